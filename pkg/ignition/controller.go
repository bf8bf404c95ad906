package ignition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jingkaihe/ivibench/pkg/api"
	"github.com/jingkaihe/ivibench/pkg/logging"
	"github.com/jingkaihe/ivibench/pkg/metrics"
	"github.com/jingkaihe/ivibench/pkg/state"
	"github.com/jingkaihe/ivibench/pkg/vm"
)

// Transition triggers, as recorded in ignition_transition events.
const (
	TriggerShort = "short"
	TriggerLong  = "long"
	TriggerSet   = "set"
)

// CanEmitter puts an ignition change on the vehicle bus.
type CanEmitter interface {
	EmitIgnition(st state.IgnitionState, engineRunning bool)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithEmitter(e *logging.Emitter) Option {
	return func(c *Controller) { c.emitter = e }
}

// WithGuests sets the orchestrators started on ignition. Either may be nil.
func WithGuests(headUnit, cluster vm.Orchestrator) Option {
	return func(c *Controller) {
		c.headUnit = headUnit
		c.cluster = cluster
	}
}

func WithDelays(cfg api.IgnitionConfig) Option {
	return func(c *Controller) { c.SetDelays(cfg) }
}

func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// Controller applies start-button presses to the vehicle state. Every
// transition is persisted, sent on the bus and starts the guests the new
// position needs. Transitions never interleave: while a long-press
// sequence runs, every other press is refused with ErrSequenceInProgress.
type Controller struct {
	states  *state.Manager
	can     CanEmitter
	machine *Machine
	sleep   SleepFunc
	emitter *logging.Emitter
	logger  *slog.Logger

	headUnit vm.Orchestrator
	cluster  vm.Orchestrator

	delayMu         sync.RWMutex
	transitionDelay time.Duration
	engineStart     time.Duration
	longPress       time.Duration

	// mu serializes transitions.
	mu     sync.Mutex
	busy   atomic.Bool
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(states *state.Manager, can CanEmitter, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		states:          states,
		can:             can,
		machine:         NewMachine(),
		sleep:           sleepCtx,
		logger:          slog.Default(),
		transitionDelay: api.DefaultTransitionDelay,
		engineStart:     api.DefaultEngineStartDuration,
		longPress:       api.DefaultLongPressThreshold,
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDelays replaces the sequence timings. A running sequence picks them
// up at its next step.
func (c *Controller) SetDelays(cfg api.IgnitionConfig) {
	c.delayMu.Lock()
	defer c.delayMu.Unlock()
	if cfg.TransitionDelay >= 0 {
		c.transitionDelay = cfg.TransitionDelay
	}
	if cfg.EngineStartDuration >= 0 {
		c.engineStart = cfg.EngineStartDuration
	}
	if cfg.LongPressThreshold > 0 {
		c.longPress = cfg.LongPressThreshold
	}
}

func (c *Controller) delays() (transition, engine, long time.Duration) {
	c.delayMu.RLock()
	defer c.delayMu.RUnlock()
	return c.transitionDelay, c.engineStart, c.longPress
}

func (c *Controller) State() state.IgnitionState { return c.states.Ignition() }

// Busy reports whether a long-press sequence is running.
func (c *Controller) Busy() bool { return c.busy.Load() }

// Press classifies a button hold by the long-press threshold.
func (c *Controller) Press(ctx context.Context, held time.Duration) (state.IgnitionState, error) {
	_, _, long := c.delays()
	if held >= long {
		if _, err := c.PressLong(); err != nil {
			return c.State(), err
		}
		return c.State(), nil
	}
	return c.PressShort(ctx)
}

// PressShort steps the ignition one position and returns the new one.
// From OFF without a ready driver nothing changes.
func (c *Controller) PressShort(ctx context.Context) (state.IgnitionState, error) {
	if err := c.lockTransition(); err != nil {
		return c.State(), err
	}
	defer c.mu.Unlock()

	from := c.states.Ignition()
	to, ok, err := c.machine.Step(ctx, from, EventShort, c.states.DriverReady())
	if err != nil {
		return from, err
	}
	if !ok {
		c.logger.Info("short press ignored, driver not ready")
		return from, nil
	}
	c.applyLocked(from, to, TriggerShort)
	return to, nil
}

// lockTransition takes mu for a single transition. busy is checked again
// under mu since a long press may have started while this caller waited.
func (c *Controller) lockTransition() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.busy.Load() {
		return ErrSequenceInProgress
	}
	c.mu.Lock()
	if c.busy.Load() {
		c.mu.Unlock()
		return ErrSequenceInProgress
	}
	return nil
}

// PressLong starts the engine start sequence in the background and returns
// at once. started is false when there is nothing to do: the engine is
// already running, or the driver is not ready in OFF.
func (c *Controller) PressLong() (started bool, err error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	switch c.states.Ignition() {
	case state.IgnitionEngineRunning:
		return false, nil
	case state.IgnitionOff:
		if !c.states.DriverReady() {
			c.logger.Info("long press ignored, driver not ready")
			return false, nil
		}
	}

	if !c.busy.CompareAndSwap(false, true) {
		return false, ErrSequenceInProgress
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.busy.Store(false)
		c.runSequence(c.ctx)
	}()
	return true, nil
}

// runSequence walks OFF, POWER_READY, ACC_ON, ENGINE_RUNNING and back to
// ACC_ON, entering at the current position.
func (c *Controller) runSequence(ctx context.Context) {
	log := c.logger.With("trigger", TriggerLong)
	for {
		if ctx.Err() != nil {
			log.Info("ignition sequence canceled")
			return
		}

		c.mu.Lock()
		from := c.states.Ignition()
		to, ok, err := c.machine.Step(ctx, from, EventLongStep, c.states.DriverReady())
		if err != nil || !ok {
			c.mu.Unlock()
			if err != nil {
				log.Error("ignition sequence aborted", "error", err)
			}
			return
		}
		c.applyLocked(from, to, TriggerLong)
		c.mu.Unlock()

		if from == state.IgnitionEngineRunning {
			return
		}

		transition, engine, _ := c.delays()
		wait := transition
		if to == state.IgnitionEngineRunning {
			wait = engine
		}
		if err := c.sleep(ctx, wait); err != nil {
			log.Info("ignition sequence canceled", "state", to)
			return
		}
	}
}

// Set forces the ignition to st, bypassing the button table.
func (c *Controller) Set(st state.IgnitionState) error {
	if !st.Valid() {
		return state.ErrUnknownIgnition
	}
	if err := c.lockTransition(); err != nil {
		return err
	}
	defer c.mu.Unlock()
	from := c.states.Ignition()
	if from == st {
		return nil
	}
	c.applyLocked(from, st, TriggerSet)
	return nil
}

// Resume puts the persisted position back on the bus and starts the guests
// it needs. No transition is recorded.
func (c *Controller) Resume() state.IgnitionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.states.Snapshot()
	if c.can != nil {
		c.can.EmitIgnition(snap.IgnitionState, snap.EngineRunning)
	}
	c.logger.Info("ignition resumed", "state", snap.IgnitionState, "engine_running", snap.EngineRunning)
	c.startGuests(snap.IgnitionState)
	return snap.IgnitionState
}

func (c *Controller) applyLocked(from, to state.IgnitionState, trigger string) {
	switch to {
	case state.IgnitionOff, state.IgnitionPowerReady:
		c.states.SetEngineRunning(false)
	case state.IgnitionEngineRunning:
		c.states.SetEngineRunning(true)
	}
	if err := c.states.SetIgnitionState(to); err != nil {
		c.logger.Error("failed to set ignition", "state", to, "error", err)
		return
	}
	engine := c.states.Snapshot().EngineRunning

	if c.can != nil {
		c.can.EmitIgnition(to, engine)
	}

	metrics.IgnitionTransitions.WithLabelValues(string(from), string(to)).Inc()
	c.logger.Info("ignition transition", "from", from, "to", to, "trigger", trigger, "engine_running", engine)
	_ = c.emitter.Emit(logging.EventIgnitionTransition,
		fmt.Sprintf("%s -> %s", from, to), "ignition", []string{trigger},
		&logging.IgnitionTransitionData{
			From:          string(from),
			To:            string(to),
			Trigger:       trigger,
			EngineRunning: engine,
		})

	c.startGuests(to)
}

// guestsFor lists the orchestrators a position needs running.
func (c *Controller) guestsFor(st state.IgnitionState) []vm.Orchestrator {
	switch st {
	case state.IgnitionPowerReady:
		return []vm.Orchestrator{c.cluster}
	case state.IgnitionAccOn, state.IgnitionEngineRunning:
		return []vm.Orchestrator{c.headUnit, c.cluster}
	}
	return nil
}

// startGuests starts each needed guest in the background so a slow spawn
// never holds up the bus. Start failures are recorded in the guest runtime.
func (c *Controller) startGuests(st state.IgnitionState) {
	for _, g := range c.guestsFor(st) {
		if g == nil || g.Runtime().Status.Active() {
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := g.Start(c.ctx); err != nil {
				c.logger.Warn("guest start failed", "vm", g.Name(), "ignition", st, "error", err)
			}
		}()
	}
}

// Wait blocks until the running sequence and any guest starts it
// triggered have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels a running sequence and waits for background work.
func (c *Controller) Close() error {
	c.closed.Store(true)
	c.cancel()
	c.wg.Wait()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
