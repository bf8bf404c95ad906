package main

import (
	"context"
	"time"
)

// closeContext bounds bench shutdown. timeout <= 0 leaves it to the guest
// stop and kill timeouts.
func closeContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}
