// Package rpc serves a line-delimited JSON-RPC 2.0 control channel over a
// running bench. Each request is one JSON object per line; responses and
// "event" notifications are written the same way.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jingkaihe/ivibench/pkg/bench"
	"github.com/jingkaihe/ivibench/pkg/console"
	"github.com/jingkaihe/ivibench/pkg/display"
	"github.com/jingkaihe/ivibench/pkg/ignition"
	"github.com/jingkaihe/ivibench/pkg/logging"
	"github.com/jingkaihe/ivibench/pkg/rfb"
	"github.com/jingkaihe/ivibench/pkg/state"
	"github.com/jingkaihe/ivibench/pkg/vm/qemu"
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
}

type Response struct {
	JSONRPC string  `json:"jsonrpc"`
	Result  any     `json:"result,omitempty"`
	Error   *Error  `json:"error,omitempty"`
	ID      *uint64 `json:"id,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeVMFailed       = -32000
	ErrCodeBusy           = -32001
	ErrCodeTransport      = -32002
	ErrCodeCancelled      = -32003
)

type methodFunc func(ctx context.Context, req *Request) (any, error)

type Handler struct {
	bench  *bench.Bench
	events <-chan logging.Event
	stdin  io.Reader
	stdout io.Writer
	logger *slog.Logger
	routes map[string]methodFunc

	mu        sync.Mutex // protects stdout writes
	closed    atomic.Bool
	wg        sync.WaitGroup // tracks in-flight requests
	cancelsMu sync.Mutex
	cancels   map[uint64]context.CancelFunc
}

// NewHandler serves b. events, usually an EventSink's channel, is relayed
// as notifications and may be nil.
func NewHandler(b *bench.Bench, events <-chan logging.Event, stdin io.Reader, stdout io.Writer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		bench:   b,
		events:  events,
		stdin:   stdin,
		stdout:  stdout,
		logger:  logger,
		cancels: make(map[uint64]context.CancelFunc),
	}
	h.routes = map[string]methodFunc{
		"state":             h.handleState,
		"ignition.short":    h.handleIgnitionShort,
		"ignition.long":     h.handleIgnitionLong,
		"ignition.press":    h.handleIgnitionPress,
		"ignition.set":      h.handleIgnitionSet,
		"vehicle.alarm":     h.handleAlarm,
		"vehicle.door":      h.handleDoor,
		"vehicle.proximity": h.handleProximity,
		"can.headlights":    h.handleHeadlights,
		"can.history":       h.handleCANHistory,
		"vm.start":          h.handleVMStart,
		"vm.stop":           h.handleVMStop,
		"vm.status":         h.handleVMStatus,
		"vm.args":           h.handleVMArgs,
		"display.frame":     h.handleDisplayFrame,
		"console.tail":      h.handleConsoleTail,
		"console.send":      h.handleConsoleSend,
		"events":            h.handleEvents,
	}
	return h
}

// Run serves requests until stdin is exhausted or ctx is done, then waits
// for requests in flight.
func (h *Handler) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	if h.events != nil {
		go h.eventLoop(ctx)
	}

	scanner := bufio.NewScanner(h.stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if h.closed.Load() || ctx.Err() != nil {
			break
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			h.sendError(nil, ErrCodeParse, "Parse error")
			continue
		}
		if req.Method == "" {
			h.sendError(req.ID, ErrCodeInvalidRequest, "Invalid request")
			continue
		}

		// Handle cancel requests immediately (no goroutine, no wg)
		if req.Method == "cancel" {
			h.sendResponse(h.handleCancel(&req))
			continue
		}

		h.wg.Add(1)
		go func(r Request) {
			defer h.wg.Done()

			reqCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			if r.ID != nil {
				h.cancelsMu.Lock()
				h.cancels[*r.ID] = cancel
				h.cancelsMu.Unlock()

				defer func() {
					h.cancelsMu.Lock()
					delete(h.cancels, *r.ID)
					h.cancelsMu.Unlock()
				}()
			}

			resp := h.handleRequest(reqCtx, &r)
			if r.ID != nil {
				h.sendResponse(resp)
			}
		}(req)
	}

	h.wg.Wait()
	return scanner.Err()
}

// Close stops reading new requests.
func (h *Handler) Close() {
	h.closed.Store(true)
}

func (h *Handler) handleRequest(ctx context.Context, req *Request) *Response {
	fn, ok := h.routes[req.Method]
	if !ok {
		return &Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: ErrCodeMethodNotFound, Message: "Method not found"},
			ID:      req.ID,
		}
	}

	result, err := fn(ctx, req)
	if err != nil {
		code := errorCode(ctx, err)
		if code == ErrCodeInternal {
			h.logger.Error("rpc request failed", "method", req.Method, "error", err)
		}
		return &Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: code, Message: err.Error()},
			ID:      req.ID,
		}
	}
	return &Response{JSONRPC: "2.0", Result: result, ID: req.ID}
}

// paramsError marks a request whose params could not be used.
type paramsError struct{ err error }

func (e paramsError) Error() string { return e.err.Error() }
func (e paramsError) Unwrap() error { return e.err }

func decodeParams(req *Request, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return paramsError{err}
	}
	return nil
}

func invalidParams(format string, args ...any) error {
	return paramsError{fmt.Errorf(format, args...)}
}

func errorCode(ctx context.Context, err error) int {
	var pe paramsError
	switch {
	case errors.As(err, &pe),
		errors.Is(err, state.ErrUnknownIgnition),
		errors.Is(err, state.ErrUnknownDoor),
		errors.Is(err, bench.ErrUnknownVM),
		errors.Is(err, display.ErrUnknownDisplay):
		return ErrCodeInvalidParams
	case errors.Is(err, ignition.ErrSequenceInProgress):
		return ErrCodeBusy
	case errors.Is(err, qemu.ErrConfiguration),
		errors.Is(err, qemu.ErrSpawn),
		errors.Is(err, qemu.ErrResourceConflict),
		errors.Is(err, qemu.ErrStop):
		return ErrCodeVMFailed
	case errors.Is(err, console.ErrTransport),
		errors.Is(err, rfb.ErrTransport):
		return ErrCodeTransport
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	}
	return ErrCodeInternal
}

func (h *Handler) handleCancel(req *Request) *Response {
	var params struct {
		ID uint64 `json:"id"`
	}
	if err := decodeParams(req, &params); err != nil {
		return &Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: ErrCodeInvalidParams, Message: err.Error()},
			ID:      req.ID,
		}
	}

	h.cancelsMu.Lock()
	cancel, ok := h.cancels[params.ID]
	h.cancelsMu.Unlock()

	if ok {
		cancel()
	}

	return &Response{
		JSONRPC: "2.0",
		Result:  map[string]any{"cancelled": ok},
		ID:      req.ID,
	}
}

func (h *Handler) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-h.events:
			if !ok {
				return
			}
			h.sendEvent(event)
		}
	}
}

func (h *Handler) sendResponse(resp *Response) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, _ := json.Marshal(resp)
	fmt.Fprintln(h.stdout, string(data))
}

func (h *Handler) sendError(id *uint64, code int, message string) {
	h.sendResponse(&Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

func (h *Handler) sendEvent(event logging.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	notification := map[string]any{
		"jsonrpc": "2.0",
		"method":  "event",
		"params":  event,
	}
	data, _ := json.Marshal(notification)
	fmt.Fprintln(h.stdout, string(data))
}

// RunRPC serves b on the process stdio.
func RunRPC(ctx context.Context, b *bench.Bench, events <-chan logging.Event, logger *slog.Logger) error {
	handler := NewHandler(b, events, os.Stdin, os.Stdout, logger)
	return handler.Run(ctx)
}
