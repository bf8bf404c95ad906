package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/ivibench/internal/errx"
)

const (
	DefaultTermWait = 10 * time.Second
	DefaultPortWait = 5 * time.Second

	pollInterval = 100 * time.Millisecond
	killWait     = time.Second
)

// Cleanup actions reported to OnCleanup.
const (
	ActionTerminated = "terminated"
	ActionConflict   = "conflict"
)

// Report lists what a Clean call did.
type Report struct {
	Terminated []Holder `json:"terminated,omitempty"`
	Conflicts  []Holder `json:"conflicts,omitempty"`
	BusyPorts  []int    `json:"busy_ports,omitempty"`
}

// Cleaner clears resources before a guest starts. Holders matching Owner
// are terminated with SIGTERM, then SIGKILL after TermWait. Anything else
// holding a path is a conflict. Ports must become bindable within PortWait.
type Cleaner struct {
	Registry Registry
	Owner    Owner
	TermWait time.Duration
	PortWait time.Duration
	Logger   *slog.Logger

	// OnCleanup is called for each terminated or conflicting holder.
	OnCleanup func(action string, h Holder)
}

func (c *Cleaner) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Cleaner) notify(action string, h Holder) {
	if c.OnCleanup != nil {
		c.OnCleanup(action, h)
	}
}

// Clean makes paths and ports available. The returned error wraps
// ErrResourceConflict when something could not be freed.
func (c *Cleaner) Clean(ctx context.Context, paths []string, ports []int) (Report, error) {
	var rep Report

	reg := c.Registry
	if reg == nil {
		reg = Noop()
	}
	holders, err := reg.Holders(ctx, paths, ports)
	if err != nil {
		return rep, errx.Wrap(ErrResourceConflict, err)
	}

	self := os.Getpid()
	for _, h := range holders {
		log := c.logger().With("pid", h.PID, "cmdline", h.Cmdline)
		if h.PID != self && c.Owner.Owns(h) {
			if err := c.terminate(ctx, h.PID); err != nil {
				log.Warn("failed to terminate stale qemu", "error", err)
				rep.Conflicts = append(rep.Conflicts, h)
				c.notify(ActionConflict, h)
				continue
			}
			log.Info("terminated stale qemu", "paths", h.Paths, "ports", h.Ports)
			rep.Terminated = append(rep.Terminated, h)
			c.notify(ActionTerminated, h)
			continue
		}
		if len(h.Paths) > 0 {
			log.Warn("guest image held by foreign process", "paths", h.Paths)
			rep.Conflicts = append(rep.Conflicts, h)
			c.notify(ActionConflict, h)
		}
	}
	if len(rep.Conflicts) > 0 {
		return rep, errx.With(ErrResourceConflict, ": %s", describe(rep.Conflicts))
	}

	rep.BusyPorts = c.waitPortsFree(ctx, ports)
	if len(rep.BusyPorts) > 0 {
		return rep, errx.With(ErrResourceConflict, ": ports %v still in use", rep.BusyPorts)
	}
	return rep, nil
}

func (c *Cleaner) terminate(ctx context.Context, pid int) error {
	if pid <= 1 {
		return errx.With(ErrTerminate, ": refusing pid %d", pid)
	}
	termWait := c.TermWait
	if termWait <= 0 {
		termWait = DefaultTermWait
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return errx.Wrap(ErrTerminate, err)
	}
	if waitGone(ctx, pid, termWait) {
		return nil
	}

	c.logger().Warn("stale qemu ignored SIGTERM, killing", "pid", pid)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return errx.Wrap(ErrTerminate, err)
	}
	if waitGone(ctx, pid, killWait) {
		return nil
	}
	return errx.With(ErrTerminate, ": pid %d still alive after SIGKILL", pid)
}

func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !alive(pid)
		case <-time.After(pollInterval):
		}
	}
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// waitPortsFree returns the ports that stayed busy for the whole wait.
func (c *Cleaner) waitPortsFree(ctx context.Context, ports []int) []int {
	if len(ports) == 0 {
		return nil
	}
	wait := c.PortWait
	if wait <= 0 {
		wait = DefaultPortWait
	}
	deadline := time.Now().Add(wait)

	for {
		var busy []int
		for _, p := range ports {
			if !PortFree(p) {
				busy = append(busy, p)
			}
		}
		if len(busy) == 0 || time.Now().After(deadline) {
			return busy
		}
		select {
		case <-ctx.Done():
			return busy
		case <-time.After(pollInterval):
		}
	}
}

// PortFree reports whether a TCP listener can bind port on loopback.
func PortFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func describe(hs []Holder) string {
	parts := make([]string, len(hs))
	for i, h := range hs {
		held := slices.Clone(h.Paths)
		for _, port := range h.Ports {
			held = append(held, "port "+strconv.Itoa(port))
		}
		parts[i] = fmt.Sprintf("pid %d (%s) holds %s", h.PID, h.Cmdline, strings.Join(held, ", "))
	}
	return strings.Join(parts, "; ")
}
