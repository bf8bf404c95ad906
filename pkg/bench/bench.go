// Package bench assembles one test bench: vehicle state, the CAN bus, both
// guest orchestrators, the ignition controller, the displays and the event
// journal. A Bench owns every service it creates.
package bench

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/api"
	"github.com/jingkaihe/ivibench/pkg/can"
	"github.com/jingkaihe/ivibench/pkg/console"
	"github.com/jingkaihe/ivibench/pkg/display"
	"github.com/jingkaihe/ivibench/pkg/ignition"
	"github.com/jingkaihe/ivibench/pkg/logging"
	"github.com/jingkaihe/ivibench/pkg/metrics"
	"github.com/jingkaihe/ivibench/pkg/rfb"
	"github.com/jingkaihe/ivibench/pkg/state"
	"github.com/jingkaihe/ivibench/pkg/vm"
	"github.com/jingkaihe/ivibench/pkg/vm/lock"
	"github.com/jingkaihe/ivibench/pkg/vm/qemu"
)

const (
	EventsFile  = "events.jsonl"
	JournalFile = "journal.db"

	metricsShutdownTimeout = 5 * time.Second
	eventsMaxBytes         = 64 << 20
)

type options struct {
	logger    *slog.Logger
	transport can.Transport
	registry  lock.Registry
	sinks     []logging.Sink
	runID     string
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTransport carries CAN frames over t instead of the configured
// transport. The bench closes t.
func WithTransport(t can.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRegistry replaces the process scan used before each guest spawn.
func WithRegistry(r lock.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithSinks adds event sinks next to the JSONL file and the journal.
func WithSinks(sinks ...logging.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

type Bench struct {
	config *api.Config
	logger *slog.Logger

	events  *logging.Emitter
	journal *logging.Journal

	states    *state.Manager
	transport can.Transport
	bus       *can.Bus

	headUnit *qemu.Manager
	cluster  *qemu.Manager
	ignition *ignition.Controller

	displays *display.Manager
	poller   *display.Poller
	screens  map[display.Display]*rfb.Client
	console  console.Tap

	metrics *metrics.Server

	up        atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds every service from cfg. Nothing talks to a guest until Up.
func New(cfg *api.Config, opts ...Option) (*Bench, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, errx.Wrap(ErrSetup, err)
	}

	b := &Bench{config: cfg, logger: o.logger}
	ok := false
	defer func() {
		if !ok {
			b.release()
		}
	}()

	if err := b.openEvents(o); err != nil {
		return nil, err
	}

	b.states = state.NewManager(state.NewStore(cfg.StateFile()), state.WithLogger(b.logger))

	b.transport = o.transport
	if b.transport == nil {
		t, err := can.Open(cfg.CAN, b.logger)
		if err != nil {
			return nil, errx.Wrap(ErrSetup, err)
		}
		b.transport = t
	}
	b.bus = can.NewBus(b.transport, can.WithLogger(b.logger), can.WithFrameHook(b.recordFrame))

	registry := o.registry
	if registry == nil {
		registry = lock.NewRegistry()
	}
	cleaner := &lock.Cleaner{
		Registry: registry,
		TermWait: cfg.Orchestrator.KillTimeout,
		PortWait: cfg.Orchestrator.PortWaitTimeout,
		Logger:   b.logger,
	}
	guestOpts := []qemu.Option{
		qemu.WithLogger(b.logger),
		qemu.WithCleaner(cleaner),
		qemu.WithEmitter(b.events),
	}
	b.headUnit = qemu.NewHeadUnit(cfg, guestOpts...)
	b.cluster = qemu.NewCluster(cfg, guestOpts...)

	b.ignition = ignition.NewController(b.states, b.bus,
		ignition.WithLogger(b.logger),
		ignition.WithEmitter(b.events),
		ignition.WithGuests(b.headUnit, b.cluster),
		ignition.WithDelays(cfg.Ignition),
	)

	b.displays = display.NewManager(cfg.Resolve(cfg.Display.PlaceholderDir), display.WithLogger(b.logger))
	b.screens = map[display.Display]*rfb.Client{
		display.HeadUnit: rfb.NewClient(cfg.Graphics.HU.Host, cfg.Graphics.HU.Port,
			rfb.WithTimeout(cfg.Graphics.Timeout), rfb.WithLogger(b.logger)),
		display.Cluster: rfb.NewClient(cfg.Graphics.Cluster.Host, cfg.Graphics.Cluster.Port,
			rfb.WithTimeout(cfg.Graphics.Timeout), rfb.WithLogger(b.logger)),
	}
	for d, c := range b.screens {
		b.displays.SetProvider(d, c.CapturePNG)
	}
	b.poller = display.NewPoller(b.displays, map[display.Display]float64{
		display.HeadUnit: cfg.Display.HUFPS,
		display.Cluster:  cfg.Display.ClusterFPS,
	}, b.logger)

	b.console = console.Tap{Host: cfg.Console.Host, Port: cfg.Console.Port, Timeout: cfg.Console.Timeout}

	if cfg.MetricsAddr != "" {
		b.metrics = metrics.NewServer(cfg.MetricsAddr, b.Health, b.logger)
	}

	ok = true
	return b, nil
}

func (b *Bench) openEvents(o options) error {
	runID := o.runID
	if runID == "" {
		runID = uuid.New().String()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	jsonl, err := logging.NewJSONLWriter(filepath.Join(b.config.LogsDir(), EventsFile), logging.WithMaxBytes(eventsMaxBytes))
	if err != nil {
		return errx.Wrap(ErrSetup, err)
	}
	journal, err := logging.OpenJournal(filepath.Join(b.config.DataDir(), JournalFile))
	if err != nil {
		jsonl.Close()
		return errx.Wrap(ErrSetup, err)
	}
	b.journal = journal

	sinks := append([]logging.Sink{jsonl, journal}, o.sinks...)
	b.events = logging.NewEmitter(logging.EmitterConfig{RunID: runID, Bench: host}, sinks...)
	return nil
}

// recordFrame journals every frame put on the bus. It runs under the bus
// lock, so events keep wire order.
func (b *Bench) recordFrame(f can.Frame) {
	_ = b.events.Emit(logging.EventCANFrame, f.String(), "can", nil, &logging.CANFrameData{
		CanID:       f.IDHex(),
		DataHex:     f.DataHex(),
		Description: f.Description,
	})
}

func (b *Bench) Config() *api.Config            { return b.config }
func (b *Bench) RunID() string                  { return b.events.RunID() }
func (b *Bench) States() *state.Manager         { return b.states }
func (b *Bench) Bus() *can.Bus                  { return b.bus }
func (b *Bench) Ignition() *ignition.Controller { return b.ignition }
func (b *Bench) Displays() *display.Manager     { return b.displays }
func (b *Bench) Console() console.Tap           { return b.console }
func (b *Bench) Journal() *logging.Journal      { return b.journal }
func (b *Bench) Events() *logging.Emitter       { return b.events }
func (b *Bench) Guests() []*qemu.Manager        { return []*qemu.Manager{b.headUnit, b.cluster} }

// Guest looks up an orchestrator by vm name. "hu" and "qnx" are accepted
// as short forms.
func (b *Bench) Guest(name string) (*qemu.Manager, error) {
	switch strings.ToLower(name) {
	case vm.HeadUnit, "hu", "android":
		return b.headUnit, nil
	case vm.Cluster, "qnx":
		return b.cluster, nil
	}
	return nil, errx.With(ErrUnknownVM, ": %q", name)
}

// Frame returns the most recent polled frame of d, capturing one when the
// poller has none yet.
func (b *Bench) Frame(ctx context.Context, d display.Display) (display.Frame, error) {
	if f, ok := b.poller.Latest(d); ok {
		return f, nil
	}
	return b.displays.Next(ctx, d)
}

// Up announces the vehicle on the bus, restores the persisted ignition
// position and starts the metrics listener.
func (b *Bench) Up(ctx context.Context) error {
	if !b.up.CompareAndSwap(false, true) {
		return ErrAlreadyUp
	}

	b.bus.EmitStartupSequence()
	st := b.ignition.Resume()

	if b.metrics != nil {
		if err := b.metrics.Start(); err != nil {
			return errx.Wrap(ErrSetup, err)
		}
	}
	b.logger.Info("bench up",
		"run_id", b.RunID(),
		"ignition", st,
		"can", b.bus.TransportStats().Mode,
	)
	return nil
}

// Run polls the displays until ctx is done, then stops the metrics
// listener.
func (b *Bench) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.poller.Run(ctx)
	})
	if b.metrics != nil {
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return b.metrics.Shutdown(sctx)
		})
	}
	return g.Wait()
}

// StopAll stops both guests concurrently. A failure on one never cuts the
// other short.
func (b *Bench) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, m := range b.Guests() {
		g.Go(func() error {
			return m.Stop(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return errx.Wrap(ErrShutdown, err)
	}
	return nil
}

// Health is served on /healthz.
func (b *Bench) Health() map[string]any {
	guests := make(map[string]any, 2)
	for _, m := range b.Guests() {
		guests[m.Name()] = m.Runtime()
	}
	snap := b.states.Snapshot()
	return map[string]any{
		"run_id":         b.RunID(),
		"ignition":       snap.IgnitionState,
		"engine_running": snap.EngineRunning,
		"sequence":       b.ignition.Busy(),
		"guests":         guests,
		"can":            b.bus.TransportStats(),
	}
}

// Close stops the guests and releases everything New acquired. It is safe
// to call more than once.
func (b *Bench) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		var errs []error
		if err := b.ignition.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := b.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := b.states.Save(); err != nil {
			errs = append(errs, err)
		}
		b.release()
		if len(errs) > 0 {
			b.closeErr = errx.Wrap(ErrShutdown, errs[0])
		}
		b.logger.Info("bench closed", "run_id", b.RunID())
	})
	return b.closeErr
}

func (b *Bench) release() {
	for _, c := range b.screens {
		c.Close()
	}
	if b.transport != nil {
		b.transport.Close()
	}
	if b.events != nil {
		b.events.Close()
	}
}
