package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/api"
	"github.com/jingkaihe/ivibench/pkg/bench"
	"github.com/jingkaihe/ivibench/pkg/can"
	"github.com/jingkaihe/ivibench/pkg/console"
	"github.com/jingkaihe/ivibench/pkg/ignition"
	"github.com/jingkaihe/ivibench/pkg/logging"
	"github.com/jingkaihe/ivibench/pkg/state"
	"github.com/jingkaihe/ivibench/pkg/vm"
	"github.com/jingkaihe/ivibench/pkg/vm/lock"
	"github.com/jingkaihe/ivibench/pkg/vm/qemu"
)

type nopTransport struct{}

func (nopTransport) Start() error             { return nil }
func (nopTransport) Transmit(can.Frame) error { return nil }
func (nopTransport) Stats() can.Stats         { return can.Stats{Mode: "test"} }
func (nopTransport) Close() error             { return nil }

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newTestBench(t *testing.T, mutate func(*api.Config)) *bench.Bench {
	t.Helper()
	cfg := api.DefaultConfig()
	cfg.Paths.Root = t.TempDir()
	cfg.QEMU.Binary = filepath.Join(cfg.Paths.Root, "bin", "qemu-system-aarch64")
	cfg.Display.HUFPS = 0
	cfg.Display.ClusterFPS = 0
	cfg.Graphics.HU.Port = closedPort(t)
	cfg.Graphics.Cluster.Port = closedPort(t)
	if mutate != nil {
		mutate(cfg)
	}
	b, err := bench.New(cfg, bench.WithTransport(nopTransport{}), bench.WithRegistry(lock.Noop()), bench.WithRunID("rpc-run"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// serve runs one handler over the given input lines and returns every
// output line decoded.
func serve(t *testing.T, b *bench.Bench, lines ...string) []map[string]any {
	t.Helper()
	var out bytes.Buffer
	h := NewHandler(b, nil, strings.NewReader(strings.Join(lines, "\n")+"\n"), &out, nil)
	require.NoError(t, h.Run(context.Background()))

	var msgs []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &m), l)
		msgs = append(msgs, m)
	}
	return msgs
}

type reply struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	ID     *uint64         `json:"id"`
}

func call(t *testing.T, b *bench.Bench, method string, params any) reply {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	line, err := json.Marshal(req)
	require.NoError(t, err)

	var out bytes.Buffer
	h := NewHandler(b, nil, bytes.NewReader(append(line, '\n')), &out, nil)
	require.NoError(t, h.Run(context.Background()))

	var r reply
	require.NoError(t, json.Unmarshal(out.Bytes(), &r), out.String())
	require.NotNil(t, r.ID)
	assert.Equal(t, uint64(1), *r.ID)
	return r
}

func TestRun_ParseAndRouting(t *testing.T) {
	b := newTestBench(t, nil)

	msgs := serve(t, b,
		`{not json`,
		`{"jsonrpc":"2.0","id":2}`,
		`{"jsonrpc":"2.0","method":"teleport","id":3}`,
		`{"jsonrpc":"2.0","method":"state"}`,
	)
	require.Len(t, msgs, 3, "notifications get no response")

	codes := map[float64]float64{}
	for _, m := range msgs {
		errObj := m["error"].(map[string]any)
		id, _ := m["id"].(float64)
		codes[id] = errObj["code"].(float64)
	}
	assert.Equal(t, float64(ErrCodeParse), codes[0])
	assert.Equal(t, float64(ErrCodeInvalidRequest), codes[2])
	assert.Equal(t, float64(ErrCodeMethodNotFound), codes[3])
}

func TestState(t *testing.T) {
	b := newTestBench(t, nil)

	r := call(t, b, "state", nil)
	require.Nil(t, r.Error)
	var snap bench.Snapshot
	require.NoError(t, json.Unmarshal(r.Result, &snap))
	assert.Equal(t, state.IgnitionOff, snap.Vehicle.IgnitionState)
	assert.True(t, snap.Vehicle.AlarmArmed)
	assert.False(t, snap.Ready)
}

func TestIgnition_DriverFlow(t *testing.T) {
	b := newTestBench(t, nil)

	r := call(t, b, "ignition.short", nil)
	require.Nil(t, r.Error)
	assert.JSONEq(t, `{"state":"OFF"}`, string(r.Result), "driver not ready")

	require.Nil(t, call(t, b, "vehicle.alarm", map[string]any{"armed": false}).Error)
	require.Nil(t, call(t, b, "vehicle.door", map[string]any{"name": "driver", "open": true}).Error)
	r = call(t, b, "vehicle.proximity", map[string]any{"detected": true})
	require.Nil(t, r.Error)
	var vr struct {
		Frames []json.RawMessage  `json:"frames"`
		State  state.VehicleState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &vr))
	assert.Len(t, vr.Frames, 1)
	assert.True(t, vr.State.DriverReady())

	r = call(t, b, "ignition.short", nil)
	require.Nil(t, r.Error)
	assert.JSONEq(t, `{"state":"POWER_READY"}`, string(r.Result))
	b.Ignition().Wait()
}

func TestIgnitionSet(t *testing.T) {
	b := newTestBench(t, nil)

	r := call(t, b, "ignition.set", map[string]any{"state": "PARKED"})
	require.NotNil(t, r.Error)
	assert.Equal(t, ErrCodeInvalidParams, r.Error.Code)

	r = call(t, b, "ignition.set", map[string]any{"state": "ACC_ON"})
	require.Nil(t, r.Error)
	assert.JSONEq(t, `{"state":"ACC_ON"}`, string(r.Result))
	b.Ignition().Wait()

	r = call(t, b, "ignition.press", map[string]any{"held_ms": -1})
	require.NotNil(t, r.Error)
	assert.Equal(t, ErrCodeInvalidParams, r.Error.Code)
}

func TestVehicleDoor_Unknown(t *testing.T) {
	b := newTestBench(t, nil)

	r := call(t, b, "vehicle.door", map[string]any{"name": "sunroof", "open": true})
	require.NotNil(t, r.Error)
	assert.Equal(t, ErrCodeInvalidParams, r.Error.Code)
	assert.Contains(t, r.Error.Message, "sunroof")
}

func TestCANHistory_Limit(t *testing.T) {
	b := newTestBench(t, nil)
	require.Nil(t, call(t, b, "can.headlights", map[string]any{"on": true}).Error)
	require.Nil(t, call(t, b, "can.headlights", map[string]any{"on": false}).Error)

	r := call(t, b, "can.history", map[string]any{"limit": 1})
	require.Nil(t, r.Error)
	var snap struct {
		Signals can.Signals `json:"signals"`
		History []struct {
			CANID       string `json:"can_id"`
			Description string `json:"description"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &snap))
	require.Len(t, snap.History, 1)
	assert.Equal(t, "HEADLIGHTS_OFF", snap.History[0].Description)
	assert.False(t, snap.Signals.HeadlightsOn)
}

func TestVM_StartFailureAndStatus(t *testing.T) {
	b := newTestBench(t, nil)

	r := call(t, b, "vm.start", map[string]any{"vm": "cluster"})
	require.NotNil(t, r.Error)
	assert.Equal(t, ErrCodeVMFailed, r.Error.Code)

	r = call(t, b, "vm.status", nil)
	require.Nil(t, r.Error)
	var status map[string]vm.Runtime
	require.NoError(t, json.Unmarshal(r.Result, &status))
	assert.Equal(t, vm.StatusError, status[vm.Cluster].Status)
	assert.NotEmpty(t, status[vm.Cluster].LastError)
	assert.Equal(t, vm.StatusStopped, status[vm.HeadUnit].Status)

	r = call(t, b, "vm.stop", map[string]any{"vm": "cluster"})
	require.Nil(t, r.Error)

	r = call(t, b, "vm.start", map[string]any{"vm": "telematics"})
	require.NotNil(t, r.Error)
	assert.Equal(t, ErrCodeInvalidParams, r.Error.Code)
}

func TestVMArgs(t *testing.T) {
	b := newTestBench(t, func(cfg *api.Config) {
		cfg.Android = api.AndroidConfig{
			BootImg:    "images/boot.img",
			SystemImg:  "images/system.img",
			VendorImg:  "images/vendor.img",
			ProductImg: "images/product.img",
		}
	})

	r := call(t, b, "vm.args", map[string]any{"vm": "hu"})
	require.Nil(t, r.Error)
	var args struct {
		Argv    []string `json:"argv"`
		Command string   `json:"command"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &args))
	assert.Contains(t, args.Argv, "-kernel")
	assert.True(t, strings.HasSuffix(args.Argv[0], "qemu-system-aarch64"))
	assert.Contains(t, args.Command, "boot.img")
}

func TestDisplayFrame_Placeholder(t *testing.T) {
	b := newTestBench(t, nil)

	r := call(t, b, "display.frame", map[string]any{"display": "cluster"})
	require.Nil(t, r.Error)
	var frame struct {
		Display string `json:"display"`
		Live    bool   `json:"live"`
		PNG     string `json:"png"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &frame))
	assert.Equal(t, "cluster", frame.Display)
	assert.False(t, frame.Live)
	data, err := base64.StdEncoding.DecodeString(frame.PNG)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	r = call(t, b, "display.frame", map[string]any{"display": "rear"})
	require.NotNil(t, r.Error)
	assert.Equal(t, ErrCodeInvalidParams, r.Error.Code)
}

func TestConsole(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	received := make(chan string, 1)
	go func() {
		for i := 0; ; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if i == 0 {
				fmt.Fprint(conn, "QNX booted\r\n# ")
			} else {
				buf := make([]byte, 64)
				n, _ := conn.Read(buf)
				received <- string(buf[:n])
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	b := newTestBench(t, func(cfg *api.Config) {
		cfg.Console.Host = "127.0.0.1"
		cfg.Console.Port = port
	})

	r := call(t, b, "console.tail", nil)
	require.Nil(t, r.Error)
	assert.JSONEq(t, `{"lines":["QNX booted","# "]}`, string(r.Result))

	r = call(t, b, "console.send", map[string]any{"line": "pidin"})
	require.Nil(t, r.Error)
	assert.Equal(t, "pidin\n", <-received)
}

func TestEvents_CurrentRun(t *testing.T) {
	b := newTestBench(t, nil)
	require.Nil(t, call(t, b, "ignition.set", map[string]any{"state": "POWER_READY"}).Error)
	b.Ignition().Wait()

	r := call(t, b, "events", map[string]any{"event_type": logging.EventIgnitionTransition})
	require.Nil(t, r.Error)
	var res struct {
		Events []logging.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &res))
	require.Len(t, res.Events, 1)
	assert.Equal(t, "rpc-run", res.Events[0].RunID)
	assert.Equal(t, "OFF -> POWER_READY", res.Events[0].Summary)
}

func TestCancel_Unknown(t *testing.T) {
	b := newTestBench(t, nil)
	r := call(t, b, "cancel", map[string]any{"id": 42})
	require.Nil(t, r.Error)
	assert.JSONEq(t, `{"cancelled":false}`, string(r.Result))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{paramsError{errors.New("bad")}, ErrCodeInvalidParams},
		{errx.With(state.ErrUnknownDoor, ": %q", "x"), ErrCodeInvalidParams},
		{ignition.ErrSequenceInProgress, ErrCodeBusy},
		{errx.With(qemu.ErrSpawn, ": exec: %w", errors.New("no such file")), ErrCodeVMFailed},
		{errx.Wrap(console.ErrTransport, errors.New("refused")), ErrCodeTransport},
		{context.Canceled, ErrCodeCancelled},
		{errors.New("boom"), ErrCodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(context.Background(), tt.err), tt.err.Error())
	}
}

func TestEventSink(t *testing.T) {
	s := NewEventSink(1, logging.EventCANFrame)

	require.NoError(t, s.Write(&logging.Event{EventType: logging.EventCANFrame}))
	require.NoError(t, s.Write(&logging.Event{EventType: logging.EventVMLifecycle, Summary: "first"}))
	require.NoError(t, s.Write(&logging.Event{EventType: logging.EventVMLifecycle, Summary: "second"}))
	assert.Equal(t, uint64(1), s.Dropped())

	ev := <-s.Events()
	assert.Equal(t, "first", ev.Summary)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NoError(t, s.Write(&logging.Event{EventType: logging.EventVMLifecycle}), "write after close is ignored")
	_, ok := <-s.Events()
	assert.False(t, ok)
}

func TestSendEvent_Notification(t *testing.T) {
	var out bytes.Buffer
	h := NewHandler(nil, nil, strings.NewReader(""), &out, nil)
	h.sendEvent(logging.Event{RunID: "r", EventType: logging.EventIgnitionTransition, Summary: "OFF -> POWER_READY"})

	var m struct {
		JSONRPC string        `json:"jsonrpc"`
		Method  string        `json:"method"`
		Params  logging.Event `json:"params"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &m))
	assert.Equal(t, "2.0", m.JSONRPC)
	assert.Equal(t, "event", m.Method)
	assert.Equal(t, "OFF -> POWER_READY", m.Params.Summary)
}
