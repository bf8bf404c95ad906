// Package errx builds errors that match a package sentinel with errors.Is
// while keeping the underlying cause in the chain.
package errx

import "fmt"

// Wrap returns an error matching both sentinel and err.
func Wrap(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// With appends formatted detail to sentinel. The format may contain %w verbs
// for additional causes.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
