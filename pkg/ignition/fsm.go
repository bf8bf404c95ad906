// Package ignition drives the vehicle ignition through the start button:
// a short press steps one position, a long press runs the full start
// sequence in the background.
package ignition

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/state"
)

const (
	// EventShort is one short press of the start button.
	EventShort = "short"
	// EventLongStep advances a running long-press sequence by one position.
	EventLongStep = "long_step"
)

var (
	off     = string(state.IgnitionOff)
	ready   = string(state.IgnitionPowerReady)
	acc     = string(state.IgnitionAccOn)
	running = string(state.IgnitionEngineRunning)
)

// Machine validates ignition transitions. It holds no state of its own;
// every step starts from the position the caller passes in.
type Machine struct {
	mu  sync.Mutex
	fsm *fsm.FSM
}

func NewMachine() *Machine {
	m := &Machine{}

	events := fsm.Events{
		{Name: EventShort, Src: []string{off}, Dst: ready},
		{Name: EventShort, Src: []string{ready}, Dst: acc},
		{Name: EventShort, Src: []string{acc}, Dst: off},
		{Name: EventShort, Src: []string{running}, Dst: acc},

		{Name: EventLongStep, Src: []string{off}, Dst: ready},
		{Name: EventLongStep, Src: []string{ready}, Dst: acc},
		{Name: EventLongStep, Src: []string{acc}, Dst: running},
		{Name: EventLongStep, Src: []string{running}, Dst: acc},
	}

	callbacks := fsm.Callbacks{
		// Leaving OFF needs a driver in the seat.
		"before_event": func(_ context.Context, e *fsm.Event) {
			if e.Src != off {
				return
			}
			driverReady, _ := e.Args[0].(bool)
			if !driverReady {
				e.Cancel()
			}
		},
	}

	m.fsm = fsm.NewFSM(off, events, callbacks)
	return m
}

// Step returns the position event leads to from from. ok is false when
// the transition is refused because the driver is not ready.
func (m *Machine) Step(ctx context.Context, from state.IgnitionState, event string, driverReady bool) (to state.IgnitionState, ok bool, err error) {
	if !from.Valid() {
		return from, false, errx.With(ErrInvalidTransition, ": unknown state %q", from)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.fsm.SetState(string(from))
	err = m.fsm.Event(ctx, event, driverReady)

	var canceled fsm.CanceledError
	switch {
	case err == nil:
		return state.IgnitionState(m.fsm.Current()), true, nil
	case errors.As(err, &canceled):
		return from, false, nil
	default:
		return from, false, errx.With(ErrInvalidTransition, ": %s from %s: %w", event, from, err)
	}
}
