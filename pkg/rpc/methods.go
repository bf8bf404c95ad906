package rpc

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/jingkaihe/ivibench/pkg/can"
	"github.com/jingkaihe/ivibench/pkg/display"
	"github.com/jingkaihe/ivibench/pkg/logging"
	"github.com/jingkaihe/ivibench/pkg/state"
	"github.com/jingkaihe/ivibench/pkg/vm"
)

func (h *Handler) handleState(context.Context, *Request) (any, error) {
	return h.bench.Snapshot(), nil
}

type ignitionResult struct {
	State   state.IgnitionState `json:"state"`
	Started *bool               `json:"started,omitempty"`
}

func (h *Handler) handleIgnitionShort(ctx context.Context, _ *Request) (any, error) {
	st, err := h.bench.Ignition().PressShort(ctx)
	if err != nil {
		return nil, err
	}
	return ignitionResult{State: st}, nil
}

// handleIgnitionLong returns as soon as the sequence is started; progress
// arrives as ignition_transition events.
func (h *Handler) handleIgnitionLong(context.Context, *Request) (any, error) {
	started, err := h.bench.Ignition().PressLong()
	if err != nil {
		return nil, err
	}
	return ignitionResult{State: h.bench.Ignition().State(), Started: &started}, nil
}

func (h *Handler) handleIgnitionPress(ctx context.Context, req *Request) (any, error) {
	var params struct {
		HeldMS int64 `json:"held_ms"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.HeldMS < 0 {
		return nil, invalidParams("held_ms must not be negative")
	}
	st, err := h.bench.Ignition().Press(ctx, time.Duration(params.HeldMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return ignitionResult{State: st}, nil
}

func (h *Handler) handleIgnitionSet(_ context.Context, req *Request) (any, error) {
	var params struct {
		State string `json:"state"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	st, err := state.ParseIgnitionState(params.State)
	if err != nil {
		return nil, err
	}
	if err := h.bench.Ignition().Set(st); err != nil {
		return nil, err
	}
	return ignitionResult{State: h.bench.Ignition().State()}, nil
}

type vehicleResult struct {
	Frames []can.Frame        `json:"frames"`
	State  state.VehicleState `json:"state"`
}

func (h *Handler) vehicleResult(frames []can.Frame) vehicleResult {
	return vehicleResult{Frames: frames, State: h.bench.States().Snapshot()}
}

func (h *Handler) handleAlarm(_ context.Context, req *Request) (any, error) {
	var params struct {
		Armed bool `json:"armed"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	return h.vehicleResult(h.bench.SetAlarm(params.Armed)), nil
}

func (h *Handler) handleDoor(_ context.Context, req *Request) (any, error) {
	var params struct {
		Name string `json:"name"`
		Open bool   `json:"open"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	frames, err := h.bench.SetDoor(params.Name, params.Open)
	if err != nil {
		return nil, err
	}
	return h.vehicleResult(frames), nil
}

func (h *Handler) handleProximity(_ context.Context, req *Request) (any, error) {
	var params struct {
		Detected bool `json:"detected"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	return h.vehicleResult(h.bench.SetProximity(params.Detected)), nil
}

func (h *Handler) handleHeadlights(_ context.Context, req *Request) (any, error) {
	var params struct {
		On bool `json:"on"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	frames := h.bench.SetHeadlights(params.On)
	return map[string]any{"frames": frames, "signals": h.bench.Bus().Signals()}, nil
}

func (h *Handler) handleCANHistory(_ context.Context, req *Request) (any, error) {
	var params struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	snap := h.bench.Bus().Snapshot()
	if params.Limit > 0 && len(snap.History) > params.Limit {
		snap.History = snap.History[len(snap.History)-params.Limit:]
	}
	return snap, nil
}

type vmParams struct {
	VM string `json:"vm"`
}

func (h *Handler) handleVMStart(ctx context.Context, req *Request) (any, error) {
	var params vmParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	g, err := h.bench.Guest(params.VM)
	if err != nil {
		return nil, err
	}
	if err := g.Start(ctx); err != nil {
		return nil, err
	}
	return g.Runtime(), nil
}

func (h *Handler) handleVMStop(ctx context.Context, req *Request) (any, error) {
	var params vmParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	g, err := h.bench.Guest(params.VM)
	if err != nil {
		return nil, err
	}
	if err := g.Stop(ctx); err != nil {
		return nil, err
	}
	return g.Runtime(), nil
}

// handleVMStatus reports one guest, or every guest when vm is empty.
func (h *Handler) handleVMStatus(_ context.Context, req *Request) (any, error) {
	var params vmParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.VM != "" {
		g, err := h.bench.Guest(params.VM)
		if err != nil {
			return nil, err
		}
		return map[string]vm.Runtime{g.Name(): g.Runtime()}, nil
	}
	out := make(map[string]vm.Runtime)
	for _, g := range h.bench.Guests() {
		out[g.Name()] = g.Runtime()
	}
	return out, nil
}

func (h *Handler) handleVMArgs(_ context.Context, req *Request) (any, error) {
	var params vmParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	g, err := h.bench.Guest(params.VM)
	if err != nil {
		return nil, err
	}
	argv, err := g.Args()
	if err != nil {
		return nil, err
	}
	return map[string]any{"argv": argv, "command": shellquote.Join(argv...)}, nil
}

func (h *Handler) handleDisplayFrame(ctx context.Context, req *Request) (any, error) {
	var params struct {
		Display string `json:"display"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	d, err := display.ParseDisplay(params.Display)
	if err != nil {
		return nil, err
	}
	f, err := h.bench.Frame(ctx, d)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"display":     f.Display,
		"live":        f.Live,
		"captured_at": f.CapturedAt,
		"png":         base64.StdEncoding.EncodeToString(f.PNG),
	}, nil
}

func (h *Handler) handleConsoleTail(ctx context.Context, req *Request) (any, error) {
	var params struct {
		MaxBytes int `json:"max_bytes"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	lines, err := h.bench.Console().Tail(ctx, params.MaxBytes)
	if err != nil {
		return nil, err
	}
	return map[string]any{"lines": lines}, nil
}

func (h *Handler) handleConsoleSend(ctx context.Context, req *Request) (any, error) {
	var params struct {
		Line string `json:"line"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := h.bench.Console().SendLine(ctx, params.Line); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}

// handleEvents queries the journal for this run unless all is set.
func (h *Handler) handleEvents(_ context.Context, req *Request) (any, error) {
	var params struct {
		EventType string `json:"event_type"`
		Limit     int    `json:"limit"`
		All       bool   `json:"all"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	q := logging.Query{EventType: params.EventType, Limit: params.Limit}
	if !params.All {
		q.RunID = h.bench.RunID()
	}
	events, err := h.bench.Journal().Events(q)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []logging.Event{}
	}
	return map[string]any{"events": events}, nil
}
