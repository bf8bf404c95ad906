package bench

import (
	"github.com/jingkaihe/ivibench/pkg/can"
	"github.com/jingkaihe/ivibench/pkg/state"
)

// Vehicle inputs change the persisted state first and then report the
// change on the bus, so a frame never describes a state that was refused.

// SetAlarm arms or disarms the car. Arming closes the doors on both the
// vehicle state and the bus. Disarming unlocks them.
func (b *Bench) SetAlarm(armed bool) []can.Frame {
	b.states.SetAlarm(armed)
	frames := b.bus.SetAlarm(armed)
	return append(frames, b.bus.EmitDoorsUnlock(!armed)...)
}

// SetDoor opens or closes one door. Unknown names change nothing.
func (b *Bench) SetDoor(name string, open bool) ([]can.Frame, error) {
	if err := b.states.SetDoor(name, open); err != nil {
		return nil, err
	}
	return b.bus.SetDoor(name, open)
}

func (b *Bench) SetProximity(detected bool) []can.Frame {
	b.states.SetProximity(detected)
	return b.bus.SetProximity(detected)
}

// SetHeadlights only exists on the bus; the vehicle state has no lights.
func (b *Bench) SetHeadlights(on bool) []can.Frame {
	return b.bus.SetHeadlights(on)
}

// Snapshot is the combined view returned by the state query.
type Snapshot struct {
	Vehicle  state.VehicleState `json:"vehicle"`
	Ready    bool               `json:"driver_ready"`
	Sequence bool               `json:"sequence_running"`
	Signals  can.Signals        `json:"signals"`
}

func (b *Bench) Snapshot() Snapshot {
	v := b.states.Snapshot()
	return Snapshot{
		Vehicle:  v,
		Ready:    v.DriverReady(),
		Sequence: b.ignition.Busy(),
		Signals:  b.bus.Signals(),
	}
}
