//go:build !linux

package lock

// NewRegistry returns a no-op registry; only linux exposes /proc.
func NewRegistry() Registry { return Noop() }
