package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/jingkaihe/ivibench/internal/errx"
)

// Store reads and writes the vehicle state snapshot file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Save writes the full snapshot to a temp file in the same directory and
// renames it over the previous one.
func (s *Store) Save(v VehicleState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errx.Wrap(ErrPersist, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errx.Wrap(ErrPersist, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".vehicle_state-*.json")
	if err != nil {
		return errx.Wrap(ErrPersist, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errx.Wrap(ErrPersist, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errx.Wrap(ErrPersist, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errx.Wrap(ErrPersist, err)
	}
	return nil
}

// persisted mirrors VehicleState with loose types so a partially valid file
// still restores the fields it has.
type persisted struct {
	IgnitionState               *string         `json:"ignition_state"`
	AlarmArmed                  *bool           `json:"alarm_armed"`
	Doors                       map[string]bool `json:"doors"`
	DriverDoorOpenedSinceDisarm *bool           `json:"driver_door_opened_since_disarm"`
	ProximityDetected           *bool           `json:"proximity_detected"`
	EngineRunning               *bool           `json:"engine_running"`
}

// Load returns the stored state applied over defaults. A missing file
// returns defaults with os.ErrNotExist in the chain; an unparseable file
// returns defaults with ErrDecodeState. An invalid ignition_state restores
// as OFF and unknown door keys are ignored.
func (s *Store) Load() (VehicleState, error) {
	v := Default()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return v, errx.Wrap(ErrLoadState, err)
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return v, errx.Wrap(ErrDecodeState, err)
	}

	if p.IgnitionState != nil {
		if st, err := ParseIgnitionState(*p.IgnitionState); err == nil {
			v.IgnitionState = st
		}
	}
	if p.AlarmArmed != nil {
		v.AlarmArmed = *p.AlarmArmed
	}
	for name, open := range p.Doors {
		if door, err := ParseDoor(name); err == nil {
			v.Doors[door] = open
		}
	}
	if p.DriverDoorOpenedSinceDisarm != nil {
		v.DriverDoorOpenedSinceDisarm = *p.DriverDoorOpenedSinceDisarm
	}
	if p.ProximityDetected != nil {
		v.ProximityDetected = *p.ProximityDetected
	}
	if p.EngineRunning != nil {
		v.EngineRunning = *p.EngineRunning
	}
	return v, nil
}

// IsNotExist reports whether a Load error only means there was no file yet.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
