// Package state owns the persisted vehicle state of the bench: ignition
// position, alarm, doors and the signals that gate leaving OFF.
package state

import (
	"time"

	"github.com/jingkaihe/ivibench/internal/errx"
)

type IgnitionState string

const (
	IgnitionOff           IgnitionState = "OFF"
	IgnitionPowerReady    IgnitionState = "POWER_READY"
	IgnitionAccOn         IgnitionState = "ACC_ON"
	IgnitionEngineRunning IgnitionState = "ENGINE_RUNNING"
)

// IgnitionStates lists every ignition position in key order.
var IgnitionStates = []IgnitionState{
	IgnitionOff,
	IgnitionPowerReady,
	IgnitionAccOn,
	IgnitionEngineRunning,
}

func (s IgnitionState) Valid() bool {
	switch s {
	case IgnitionOff, IgnitionPowerReady, IgnitionAccOn, IgnitionEngineRunning:
		return true
	}
	return false
}

func (s IgnitionState) String() string { return string(s) }

// ParseIgnitionState accepts the persisted upper-case names.
func ParseIgnitionState(s string) (IgnitionState, error) {
	st := IgnitionState(s)
	if !st.Valid() {
		return IgnitionOff, errx.With(ErrUnknownIgnition, ": %q", s)
	}
	return st, nil
}

type Door string

const (
	DoorDriver    Door = "driver"
	DoorPassenger Door = "passenger"
	DoorRearLeft  Door = "rear_left"
	DoorRearRight Door = "rear_right"
	DoorTrunk     Door = "trunk"
	DoorHood      Door = "hood"
)

// AllDoors is ordered by CAN bit position.
var AllDoors = []Door{DoorDriver, DoorPassenger, DoorRearLeft, DoorRearRight, DoorTrunk, DoorHood}

func ParseDoor(name string) (Door, error) {
	for _, d := range AllDoors {
		if string(d) == name {
			return d, nil
		}
	}
	return "", errx.With(ErrUnknownDoor, ": %q", name)
}

// Doors maps door name to open.
type Doors map[Door]bool

func closedDoors() Doors {
	d := make(Doors, len(AllDoors))
	for _, door := range AllDoors {
		d[door] = false
	}
	return d
}

func (d Doors) clone() Doors {
	out := make(Doors, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// VehicleState is a value snapshot. Mutations go through Manager.
type VehicleState struct {
	IgnitionState               IgnitionState `json:"ignition_state"`
	AlarmArmed                  bool          `json:"alarm_armed"`
	Doors                       Doors         `json:"doors"`
	DriverDoorOpenedSinceDisarm bool          `json:"driver_door_opened_since_disarm"`
	ProximityDetected           bool          `json:"proximity_detected"`
	EngineRunning               bool          `json:"engine_running"`
	UpdatedAt                   time.Time     `json:"updated_at"`
}

// Default is a parked, locked car: ignition OFF, alarm armed, all doors closed.
func Default() VehicleState {
	return VehicleState{
		IgnitionState: IgnitionOff,
		AlarmArmed:    true,
		Doors:         closedDoors(),
		UpdatedAt:     time.Now().UTC(),
	}
}

// DriverReady reports whether the ignition may leave OFF.
func (v VehicleState) DriverReady() bool {
	return !v.AlarmArmed && v.DriverDoorOpenedSinceDisarm && v.ProximityDetected
}

func (v VehicleState) clone() VehicleState {
	v.Doors = v.Doors.clone()
	return v
}

func (v *VehicleState) touch() {
	v.UpdatedAt = time.Now().UTC()
}

func (v *VehicleState) setAlarm(armed bool) {
	v.AlarmArmed = armed
	if armed {
		v.Doors = closedDoors()
		v.DriverDoorOpenedSinceDisarm = false
	}
	v.touch()
}

func (v *VehicleState) setDoor(door Door, open bool) {
	v.Doors[door] = open
	if door == DoorDriver && open && !v.AlarmArmed {
		v.DriverDoorOpenedSinceDisarm = true
	}
	v.touch()
}
