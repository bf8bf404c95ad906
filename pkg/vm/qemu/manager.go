package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/api"
	"github.com/jingkaihe/ivibench/pkg/logging"
	"github.com/jingkaihe/ivibench/pkg/metrics"
	"github.com/jingkaihe/ivibench/pkg/vm"
	"github.com/jingkaihe/ivibench/pkg/vm/lock"
)

const tailBytes = 2048

// Profile builds the guest spec for one start attempt, so configuration
// reloads apply to the next start.
type Profile func() Spec

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCleaner runs c before every spawn. Its Owner is filled from the spec.
func WithCleaner(c *lock.Cleaner) Option {
	return func(m *Manager) { m.cleaner = c }
}

func WithEmitter(e *logging.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

func WithTimeouts(cfg api.OrchestratorConfig) Option {
	return func(m *Manager) {
		if cfg.StopTimeout > 0 {
			m.stopTimeout = cfg.StopTimeout
		}
		if cfg.KillTimeout > 0 {
			m.killTimeout = cfg.KillTimeout
		}
		if cfg.SpawnConfirm >= 0 {
			m.spawnConfirm = cfg.SpawnConfirm
		}
	}
}

// proc is one spawned QEMU. exited and err are set by the reaper under
// Manager.mu before done is closed.
type proc struct {
	cmd    *exec.Cmd
	done   chan struct{}
	exited bool
	err    error
}

// Manager runs one guest. Start and Stop are serialized with each other;
// Runtime never blocks on them.
type Manager struct {
	name    string
	logsDir string
	profile Profile

	stopTimeout  time.Duration
	killTimeout  time.Duration
	spawnConfirm time.Duration
	cleaner      *lock.Cleaner
	emitter      *logging.Emitter
	logger       *slog.Logger

	opMu sync.Mutex

	mu   sync.Mutex
	rt   vm.Runtime
	proc *proc
}

var _ vm.Orchestrator = (*Manager)(nil)

func NewManager(name, logsDir string, profile Profile, opts ...Option) *Manager {
	m := &Manager{
		name:         name,
		logsDir:      logsDir,
		profile:      profile,
		stopTimeout:  api.DefaultStopTimeout,
		killTimeout:  api.DefaultKillTimeout,
		spawnConfirm: api.DefaultSpawnConfirm,
		logger:       slog.Default(),
		rt:           vm.Runtime{Status: vm.StatusStopped},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("vm", name)
	metrics.SetVMStatus(name, string(vm.StatusStopped), vm.StatusNames())
	return m
}

// NewHeadUnit manages the Android head unit described by cfg.
func NewHeadUnit(cfg *api.Config, opts ...Option) *Manager {
	opts = append([]Option{WithTimeouts(cfg.Orchestrator)}, opts...)
	return NewManager(vm.HeadUnit, cfg.LogsDir(), func() Spec { return HeadUnitSpec(cfg) }, opts...)
}

// NewCluster manages the QNX cluster described by cfg.
func NewCluster(cfg *api.Config, opts ...Option) *Manager {
	opts = append([]Option{WithTimeouts(cfg.Orchestrator)}, opts...)
	return NewManager(vm.Cluster, cfg.LogsDir(), func() Spec { return ClusterSpec(cfg) }, opts...)
}

func (m *Manager) Name() string { return m.name }

func (m *Manager) Runtime() vm.Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rt
}

func (m *Manager) LogPath() string {
	return filepath.Join(m.logsDir, m.name+"_stdout.log")
}

func (m *Manager) CommandPath() string {
	return filepath.Join(m.logsDir, m.name+"_command.txt")
}

// Args returns the configured argv without side effects. Start may drop
// optional drives whose file is missing.
func (m *Manager) Args() ([]string, error) {
	argv, err := BuildArguments(m.profile())
	if err != nil {
		return nil, errx.Wrap(ErrConfiguration, err)
	}
	return argv, nil
}

// Start spawns the guest. It is a no-op while the guest is starting or
// running. Every failure leaves the runtime in ERROR with last_error set
// and is also returned.
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.rt.Status.Active() {
		m.mu.Unlock()
		return nil
	}
	m.rt = vm.Runtime{}
	m.proc = nil
	m.setStatusLocked(vm.StatusStarting)
	m.mu.Unlock()
	m.emit(vm.StatusStarting, "")

	spec := m.profile().withPresentDrives()

	if err := checkImages(spec.Required); err != nil {
		return m.fail(err)
	}

	if m.cleaner != nil {
		if err := m.cleanup(ctx, spec); err != nil {
			return m.fail(errx.Wrap(ErrResourceConflict, err))
		}
	}

	argv, err := BuildArguments(spec)
	if err != nil {
		return m.fail(errx.Wrap(ErrConfiguration, err))
	}
	cmdline := shellquote.Join(argv...)
	m.mu.Lock()
	m.rt.LastCommand = cmdline
	m.mu.Unlock()

	if err := os.MkdirAll(m.logsDir, 0755); err != nil {
		return m.fail(errx.With(ErrSpawn, ": create logs dir: %w", err))
	}
	if err := os.WriteFile(m.CommandPath(), []byte(cmdline+"\n"), 0644); err != nil {
		m.logger.Warn("failed to record qemu command", "error", err)
	}

	logFile, err := os.OpenFile(m.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return m.fail(errx.With(ErrSpawn, ": open log file: %w", err))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return m.fail(errx.With(ErrSpawn, ": %s: %w", argv[0], err))
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	m.mu.Lock()
	m.proc = p
	m.rt.PID = cmd.Process.Pid
	m.mu.Unlock()
	m.logger.Info("qemu spawned", "pid", cmd.Process.Pid, "log", m.LogPath())

	go m.reap(p, logFile)

	select {
	case <-p.done:
	case <-time.After(m.spawnConfirm):
	}

	m.mu.Lock()
	if p.exited {
		m.proc = nil
		m.rt.PID = 0
		m.mu.Unlock()
		msg := fmt.Sprintf("qemu exited during startup (%s)", exitReason(p.err))
		if tail := tailFile(m.LogPath(), tailBytes); tail != "" {
			msg += ": " + tail
		}
		return m.fail(errx.With(ErrSpawn, ": %s", msg))
	}
	m.rt.StartedAt = time.Now().UTC()
	m.setStatusLocked(vm.StatusRunning)
	pid := m.rt.PID
	m.mu.Unlock()

	m.logger.Info("guest running", "pid", pid)
	m.emit(vm.StatusRunning, "")
	return nil
}

func (m *Manager) cleanup(ctx context.Context, spec Spec) error {
	c := *m.cleaner
	c.Owner = lock.Owner{Binary: spec.Binary, Images: spec.Images()}
	if c.Logger == nil {
		c.Logger = m.logger
	}
	next := c.OnCleanup
	c.OnCleanup = func(action string, h lock.Holder) {
		_ = m.emitter.Emit(logging.EventResourceCleanup,
			fmt.Sprintf("%s: %s pid %d", m.name, action, h.PID), "lock", []string{m.name},
			&logging.ResourceCleanupData{
				VM:      m.name,
				PID:     h.PID,
				Action:  action,
				Cmdline: h.Cmdline,
				Paths:   h.Paths,
				Ports:   h.Ports,
			})
		if next != nil {
			next(action, h)
		}
	}
	_, err := c.Clean(ctx, spec.Images(), spec.Ports)
	return err
}

// reap waits for the child and settles an unexpected exit.
func (m *Manager) reap(p *proc, logFile io.Closer) {
	err := p.cmd.Wait()
	logFile.Close()

	m.mu.Lock()
	p.exited = true
	p.err = err
	unexpected := m.proc == p && m.rt.Status == vm.StatusRunning
	var status vm.Status
	if unexpected {
		m.proc = nil
		m.rt.PID = 0
		status = vm.StatusStopped
		if err != nil {
			status = vm.StatusError
			m.rt.LastError = fmt.Sprintf("qemu exited unexpectedly (%s)", exitReason(err))
		}
		m.setStatusLocked(status)
	}
	lastErr := m.rt.LastError
	m.mu.Unlock()
	close(p.done)

	if unexpected {
		m.logger.Warn("guest exited", "status", status, "reason", exitReason(err))
		m.emit(status, lastErr)
	}
}

// Stop terminates the guest: SIGTERM, then SIGKILL after the stop timeout.
// The runtime always ends STOPPED; a failure to reap is kept in last_error
// and returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.rt.Status == vm.StatusStopped {
		m.mu.Unlock()
		return nil
	}
	p := m.proc
	m.setStatusLocked(vm.StatusStopping)
	m.mu.Unlock()
	m.logger.Info("stopping guest")

	var stopErr error
	if p != nil {
		stopErr = m.terminate(ctx, p)
	}

	m.mu.Lock()
	m.proc = nil
	m.rt.PID = 0
	if stopErr != nil {
		m.rt.LastError = stopErr.Error()
	}
	m.setStatusLocked(vm.StatusStopped)
	m.mu.Unlock()

	m.logger.Info("guest stopped")
	m.emit(vm.StatusStopped, errString(stopErr))
	return stopErr
}

func (m *Manager) terminate(ctx context.Context, p *proc) error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn("SIGTERM failed", "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(m.stopTimeout):
		m.logger.Warn("guest ignored SIGTERM, killing", "timeout", m.stopTimeout)
	case <-ctx.Done():
		m.logger.Warn("stop canceled, killing guest")
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errx.With(ErrStop, ": kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(m.killTimeout):
		return errx.With(ErrStop, ": pid %d still running after SIGKILL", p.cmd.Process.Pid)
	}
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.rt.LastError = err.Error()
	m.setStatusLocked(vm.StatusError)
	m.mu.Unlock()

	m.logger.Error("guest start failed", "error", err)
	m.emit(vm.StatusError, err.Error())
	return err
}

func (m *Manager) setStatusLocked(s vm.Status) {
	m.rt.Status = s
	metrics.SetVMStatus(m.name, string(s), vm.StatusNames())
}

func (m *Manager) emit(s vm.Status, errMsg string) {
	rt := m.Runtime()
	_ = m.emitter.Emit(logging.EventVMLifecycle, m.name+" "+string(s), "qemu", []string{m.name},
		&logging.VMLifecycleData{
			VM:      m.name,
			Status:  string(s),
			PID:     rt.PID,
			Error:   errMsg,
			Command: rt.LastCommand,
		})
}

func checkImages(paths []string) error {
	for _, p := range paths {
		if p == "" {
			return errx.With(ErrConfiguration, ": required image path not configured")
		}
		if !fileExists(p) {
			return errx.With(ErrConfiguration, ": image not found: %s", p)
		}
	}
	return nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// tailFile returns the last lines within maxBytes of path, joined by " | ".
func tailFile(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	off := info.Size() - maxBytes
	if off < 0 {
		off = 0
	}
	b := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(b, off); err != nil && !errors.Is(err, io.EOF) {
		return ""
	}

	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if off > 0 && len(lines) > 1 {
		lines = lines[1:]
	}
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}
