// Package can models the vehicle CAN bus of the bench: named body and
// powertrain signals, a bounded frame history and the transport that
// carries frames to the cluster guest.
package can

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/state"
)

// HistorySize is the ring capacity of Bus history.
const HistorySize = 256

// Signals is the aggregated view of the last emitted values.
type Signals struct {
	HeadlightsOn      bool  `json:"headlights_on"`
	DoorsUnlocked     bool  `json:"doors_unlocked"`
	DriverDoorOpen    bool  `json:"driver_door_open"`
	EngineRunning     bool  `json:"engine_running"`
	IgnitionOn        bool  `json:"ignition_on"`
	ProximityDetected bool  `json:"proximity_detected"`
	AlarmArmed        bool  `json:"alarm_armed"`
	DoorsBits         uint8 `json:"doors_bits"`
}

type Snapshot struct {
	Signals   Signals `json:"signals"`
	History   []Frame `json:"history"`
	Transport *Stats  `json:"transport,omitempty"`
}

type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// FrameHook is called for each recorded frame, under the bus lock.
type FrameHook func(Frame)

func WithFrameHook(fn FrameHook) Option {
	return func(b *Bus) { b.hooks = append(b.hooks, fn) }
}

// Bus records frames and hands them to the transport. Transport failures
// are counted and logged by the transport and never reach the caller.
type Bus struct {
	mu        sync.Mutex
	signals   Signals
	ring      [HistorySize]Frame
	head      int
	size      int
	transport Transport
	hooks     []FrameHook
	logger    *slog.Logger
}

// NewBus returns a bus over t. A nil transport records frames only.
func NewBus(t Transport, opts ...Option) *Bus {
	b := &Bus{transport: t, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// emitLocked appends f to the ring, dropping the oldest entry when full,
// then transmits it. Holding the bus lock across transmit keeps wire order
// equal to history order.
func (b *Bus) emitLocked(id uint32, data []byte, description string) Frame {
	f := NewFrame(id, data, description)

	idx := (b.head + b.size) % HistorySize
	if b.size == HistorySize {
		b.head = (b.head + 1) % HistorySize
	} else {
		b.size++
	}
	b.ring[idx] = f

	for _, fn := range b.hooks {
		fn(f)
	}
	if b.transport != nil {
		_ = b.transport.Transmit(f)
	}
	return f
}

func boolByte(v bool) []byte {
	if v {
		return []byte{0x01}
	}
	return []byte{0x00}
}

func label(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}

// SetAlarm arms or disarms. Arming with any door open also closes them all
// and emits the closed mask, plus DRIVER_DOOR_CLOSED if the driver door was open.
func (b *Bus) SetAlarm(armed bool) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals.AlarmArmed = armed
	frames := []Frame{b.emitLocked(IDAlarm, boolByte(armed), label(armed, "ALARM_ARMED", "ALARM_DISARMED"))}
	if !armed || (b.signals.DoorsBits == 0 && !b.signals.DriverDoorOpen) {
		return frames
	}
	if b.signals.DriverDoorOpen {
		frames = append(frames, b.setDriverDoorLocked(false))
	}
	b.signals.DoorsBits = 0
	return append(frames, b.emitLocked(IDDoors, []byte{0}, "DOORS_CLOSED"))
}

// SetDoor updates one bit of the doors mask and emits the full mask.
func (b *Bus) SetDoor(name string, open bool) ([]Frame, error) {
	bit, ok := doorBits[name]
	if !ok {
		return nil, errx.With(state.ErrUnknownDoor, ": %q", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.setDoorBitLocked(bit, open)
	if bit == DoorBitDriver {
		b.signals.DriverDoorOpen = open
	}
	desc := "DOOR_" + strings.ToUpper(name) + label(open, "_OPEN", "_CLOSED")
	return []Frame{b.emitLocked(IDDoors, []byte{b.signals.DoorsBits}, desc)}, nil
}

func (b *Bus) setDoorBitLocked(bit uint, open bool) {
	if open {
		b.signals.DoorsBits |= 1 << bit
	} else {
		b.signals.DoorsBits &^= 1 << bit
	}
}

func (b *Bus) SetHeadlights(on bool) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals.HeadlightsOn = on
	return []Frame{b.emitLocked(IDHeadlights, boolByte(on), label(on, "HEADLIGHTS_ON", "HEADLIGHTS_OFF"))}
}

func (b *Bus) SetProximity(detected bool) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []Frame{b.setProximityLocked(detected)}
}

func (b *Bus) setProximityLocked(detected bool) Frame {
	b.signals.ProximityDetected = detected
	return b.emitLocked(IDProximity, boolByte(detected), label(detected, "PROXIMITY_DETECTED", "PROXIMITY_LOST"))
}

// SetDriverDoor also keeps the driver bit of the doors mask in sync.
func (b *Bus) SetDriverDoor(open bool) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []Frame{b.setDriverDoorLocked(open)}
}

func (b *Bus) setDriverDoorLocked(open bool) Frame {
	b.signals.DriverDoorOpen = open
	b.setDoorBitLocked(DoorBitDriver, open)
	return b.emitLocked(IDDriverDoor, boolByte(open), label(open, "DRIVER_DOOR_OPEN", "DRIVER_DOOR_CLOSED"))
}

func (b *Bus) SetIgnition(on bool) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []Frame{b.setIgnitionLocked(on)}
}

func (b *Bus) setIgnitionLocked(on bool) Frame {
	b.signals.IgnitionOn = on
	return b.emitLocked(IDIgnition, boolByte(on), label(on, "IGNITION_ON", "IGNITION_OFF"))
}

func (b *Bus) SetEngineStatus(running bool) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []Frame{b.setEngineLocked(running)}
}

func (b *Bus) setEngineLocked(running bool) Frame {
	b.signals.EngineRunning = running
	return b.emitLocked(IDEngineStatus, boolByte(running), label(running, "ENGINE_RUNNING", "ENGINE_STOPPED"))
}

func (b *Bus) EmitDoorsUnlock(unlocked bool) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []Frame{b.doorsUnlockLocked(unlocked)}
}

func (b *Bus) doorsUnlockLocked(unlocked bool) Frame {
	b.signals.DoorsUnlocked = unlocked
	return b.emitLocked(IDDoorsUnlock, boolByte(unlocked), label(unlocked, "DOORS_UNLOCKED", "DOORS_LOCKED"))
}

// EmitPowerReady turns ignition on and then emits POWER_READY.
func (b *Bus) EmitPowerReady() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []Frame{
		b.setIgnitionLocked(true),
		b.emitLocked(IDPowerReady, []byte{0x01}, "POWER_READY"),
	}
}

// EmitAccOn turns ignition on, emits ACC_ON and, when the engine is
// running, reports it.
func (b *Bus) EmitAccOn(engineRunning bool) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := []Frame{
		b.setIgnitionLocked(true),
		b.emitLocked(IDAccOn, []byte{0x01}, "ACC_ON"),
	}
	if engineRunning {
		frames = append(frames, b.setEngineLocked(true))
	}
	return frames
}

// EmitStartupSequence emits proximity, doors unlock, driver door, ignition
// and engine, in that order, without interleaving other emitters.
func (b *Bus) EmitStartupSequence() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []Frame{
		b.setProximityLocked(true),
		b.doorsUnlockLocked(true),
		b.setDriverDoorLocked(true),
		b.setIgnitionLocked(true),
		b.setEngineLocked(true),
	}
}

// EmitIgnition maps an ignition state change to bus traffic.
func (b *Bus) EmitIgnition(st state.IgnitionState, engineRunning bool) {
	switch st {
	case state.IgnitionOff:
		b.mu.Lock()
		b.setIgnitionLocked(false)
		b.setEngineLocked(false)
		b.mu.Unlock()
	case state.IgnitionPowerReady:
		b.EmitPowerReady()
	case state.IgnitionAccOn:
		b.EmitAccOn(engineRunning)
	case state.IgnitionEngineRunning:
		b.mu.Lock()
		b.setIgnitionLocked(true)
		b.setEngineLocked(true)
		b.mu.Unlock()
	default:
		b.logger.Warn("no can mapping for ignition state", "state", st)
	}
}

func (b *Bus) Signals() Signals {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signals
}

// History returns recorded frames oldest first.
func (b *Bus) History() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historyLocked()
}

func (b *Bus) historyLocked() []Frame {
	out := make([]Frame, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.head+i)%HistorySize]
	}
	return out
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Last returns the newest frame.
func (b *Bus) Last() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return Frame{}, false
	}
	return b.ring[(b.head+b.size-1)%HistorySize], true
}

func (b *Bus) Snapshot() Snapshot {
	b.mu.Lock()
	s := Snapshot{Signals: b.signals, History: b.historyLocked()}
	t := b.transport
	b.mu.Unlock()

	if t != nil {
		st := t.Stats()
		s.Transport = &st
	}
	return s
}

// TransportStats returns the zero Stats when no transport is attached.
func (b *Bus) TransportStats() Stats {
	if b.transport == nil {
		return Stats{}
	}
	return b.transport.Stats()
}
