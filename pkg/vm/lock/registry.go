// Package lock finds processes holding guest images or host ports and
// clears the stale ones left by earlier bench runs.
package lock

import (
	"context"
	"slices"
	"strings"
)

// Holder is a process that has one of the queried paths open or listens on
// one of the queried ports.
type Holder struct {
	PID     int      `json:"pid"`
	Cmdline string   `json:"cmdline"`
	Paths   []string `json:"paths,omitempty"`
	Ports   []int    `json:"ports,omitempty"`
}

// Registry answers which processes hold the given resources.
type Registry interface {
	Holders(ctx context.Context, paths []string, ports []int) ([]Holder, error)
}

// Owner describes what a bench-launched guest looks like on the process
// table.
type Owner struct {
	Binary string
	Images []string
}

// Owns reports whether h is a QEMU launched with our binary or one of our
// images.
func (o Owner) Owns(h Holder) bool {
	if !strings.Contains(h.Cmdline, "qemu-system") {
		return false
	}
	if o.Binary != "" && strings.Contains(h.Cmdline, o.Binary) {
		return true
	}
	return slices.ContainsFunc(o.Images, func(img string) bool {
		return img != "" && strings.Contains(h.Cmdline, img)
	})
}

type noopRegistry struct{}

func (noopRegistry) Holders(context.Context, []string, []int) ([]Holder, error) {
	return nil, nil
}

// Noop never reports holders.
func Noop() Registry { return noopRegistry{} }
