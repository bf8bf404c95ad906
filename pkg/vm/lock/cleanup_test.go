package lock

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	holders []Holder
	err     error
}

func (f *fakeRegistry) Holders(context.Context, []string, []int) ([]Holder, error) {
	return f.holders, f.err
}

// startStale runs a shell script named like a qemu binary and reaps it in
// the background. The returned channel closes when the process is gone.
func startStale(t *testing.T, body string) (*exec.Cmd, string, <-chan struct{}) {
	t.Helper()
	script := filepath.Join(t.TempDir(), "qemu-system-stale")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0755))

	cmd := exec.Command(script)
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd, script, done
}

func TestOwner_Owns(t *testing.T) {
	o := Owner{Binary: "/opt/qemu/bin/qemu-system-aarch64", Images: []string{"/img/system.img", ""}}

	assert.True(t, o.Owns(Holder{Cmdline: "/opt/qemu/bin/qemu-system-aarch64 -M virt"}))
	assert.True(t, o.Owns(Holder{Cmdline: "qemu-system-aarch64 -drive file=/img/system.img"}))
	assert.False(t, o.Owns(Holder{Cmdline: "qemu-system-x86_64 -hda other.img"}))
	assert.False(t, o.Owns(Holder{Cmdline: "cp /img/system.img /backup"}), "not a qemu")
	assert.False(t, Owner{}.Owns(Holder{Cmdline: "qemu-system-aarch64"}))
}

func TestClean_NothingHeld(t *testing.T) {
	c := &Cleaner{Registry: &fakeRegistry{}}
	rep, err := c.Clean(context.Background(), []string{"/img/a"}, nil)
	require.NoError(t, err)
	assert.Empty(t, rep.Terminated)
	assert.Empty(t, rep.Conflicts)
}

func TestClean_TerminatesOurStaleQEMU(t *testing.T) {
	cmd, script, done := startStale(t, "while :; do sleep 0.05; done")

	var actions []string
	c := &Cleaner{
		Registry: &fakeRegistry{holders: []Holder{{
			PID:     cmd.Process.Pid,
			Cmdline: "/bin/sh " + script,
			Paths:   []string{"/img/system.img"},
		}}},
		Owner:     Owner{Binary: script},
		TermWait:  2 * time.Second,
		OnCleanup: func(action string, _ Holder) { actions = append(actions, action) },
	}

	rep, err := c.Clean(context.Background(), []string{"/img/system.img"}, nil)
	require.NoError(t, err)
	require.Len(t, rep.Terminated, 1)
	assert.Equal(t, []string{ActionTerminated}, actions)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stale process still running")
	}
}

func TestClean_KillsWhenTermIgnored(t *testing.T) {
	cmd, script, done := startStale(t, "trap '' TERM\nwhile :; do sleep 0.05; done")
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	c := &Cleaner{
		Registry: &fakeRegistry{holders: []Holder{{PID: cmd.Process.Pid, Cmdline: "/bin/sh " + script, Ports: []int{1}}}},
		Owner:    Owner{Binary: script},
		TermWait: 200 * time.Millisecond,
	}
	_, err := c.Clean(context.Background(), nil, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process survived SIGKILL")
	}
}

func TestClean_ForeignHolderIsConflict(t *testing.T) {
	cmd, _, done := startStale(t, "while :; do sleep 0.05; done")

	var actions []string
	c := &Cleaner{
		Registry: &fakeRegistry{holders: []Holder{{
			PID:     cmd.Process.Pid,
			Cmdline: "/usr/bin/dd if=/img/system.img",
			Paths:   []string{"/img/system.img"},
		}}},
		Owner:     Owner{Binary: "qemu-system-aarch64", Images: []string{"/img/system.img"}},
		OnCleanup: func(action string, _ Holder) { actions = append(actions, action) },
	}

	rep, err := c.Clean(context.Background(), []string{"/img/system.img"}, nil)
	require.ErrorIs(t, err, ErrResourceConflict)
	assert.Contains(t, err.Error(), "/img/system.img")
	assert.Len(t, rep.Conflicts, 1)
	assert.Equal(t, []string{ActionConflict}, actions)

	select {
	case <-done:
		t.Fatal("foreign process must not be signaled")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClean_NeverTerminatesSelf(t *testing.T) {
	c := &Cleaner{
		Registry: &fakeRegistry{holders: []Holder{{
			PID:     os.Getpid(),
			Cmdline: "qemu-system-aarch64 /img/system.img",
			Paths:   []string{"/img/system.img"},
		}}},
		Owner: Owner{Images: []string{"/img/system.img"}},
	}
	rep, err := c.Clean(context.Background(), []string{"/img/system.img"}, nil)
	require.ErrorIs(t, err, ErrResourceConflict)
	assert.Empty(t, rep.Terminated)
}

func TestClean_ForeignPortHolderOnlyBlocksViaPortWait(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	c := &Cleaner{
		Registry: &fakeRegistry{holders: []Holder{{PID: os.Getpid(), Cmdline: "ivibench.test", Ports: []int{port}}}},
		PortWait: 200 * time.Millisecond,
	}
	rep, err := c.Clean(context.Background(), nil, []int{port})
	require.ErrorIs(t, err, ErrResourceConflict)
	assert.Equal(t, []int{port}, rep.BusyPorts)
	assert.Empty(t, rep.Conflicts)

	ln.Close()
	rep, err = c.Clean(context.Background(), nil, []int{port})
	require.NoError(t, err)
	assert.Empty(t, rep.BusyPorts)
}

func TestClean_RegistryErrorIsConflict(t *testing.T) {
	c := &Cleaner{Registry: &fakeRegistry{err: ErrScan}}
	_, err := c.Clean(context.Background(), []string{"/img/a"}, nil)
	assert.ErrorIs(t, err, ErrResourceConflict)
	assert.ErrorIs(t, err, ErrScan)
}

func TestTerminate_RefusesLowPIDs(t *testing.T) {
	c := &Cleaner{}
	assert.ErrorIs(t, c.terminate(context.Background(), 0), ErrTerminate)
	assert.ErrorIs(t, c.terminate(context.Background(), 1), ErrTerminate)
}

func TestPortFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, PortFree(port))
	ln.Close()
	assert.True(t, PortFree(port))
}
