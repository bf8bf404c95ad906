package state

import (
	"log/slog"
	"sync"
)

// Observer is told about ignition changes after they are applied.
type Observer func(old, new IgnitionState)

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager serializes every vehicle state mutation and persists the full
// snapshot after each one. The in-memory state stays authoritative when the
// store fails.
type Manager struct {
	mu        sync.Mutex
	state     VehicleState
	store     *Store
	persist   bool
	observers map[int]Observer
	nextObs   int
	logger    *slog.Logger
}

// NewManager restores from store. A nil store keeps state in memory only.
func NewManager(store *Store, opts ...Option) *Manager {
	m := &Manager{
		state:     Default(),
		store:     store,
		persist:   store != nil,
		observers: make(map[int]Observer),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if store != nil {
		v, err := store.Load()
		switch {
		case err == nil:
			m.state = v
			m.logger.Info("vehicle state restored",
				"ignition", v.IgnitionState, "alarm_armed", v.AlarmArmed, "engine_running", v.EngineRunning)
		case IsNotExist(err):
			m.logger.Info("no saved vehicle state, using defaults", "path", store.Path())
		default:
			m.logger.Warn("vehicle state unreadable, using defaults", "path", store.Path(), "error", err)
		}
	}
	return m
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() VehicleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *Manager) Ignition() IgnitionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IgnitionState
}

func (m *Manager) DriverReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DriverReady()
}

// AddObserver registers fn and returns a func that removes it.
func (m *Manager) AddObserver(fn Observer) (remove func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// SetIgnitionState is a no-op when the state does not change.
func (m *Manager) SetIgnitionState(next IgnitionState) error {
	if !next.Valid() {
		return ErrUnknownIgnition
	}

	m.mu.Lock()
	old := m.state.IgnitionState
	if old == next {
		m.mu.Unlock()
		return nil
	}
	m.state.IgnitionState = next
	m.state.touch()
	m.saveLocked()
	observers := make([]Observer, 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(old, next)
	}
	return nil
}

// SetAlarm arms or disarms. Arming closes every door and clears the
// driver-door-opened-since-disarm flag.
func (m *Manager) SetAlarm(armed bool) {
	m.mutate(func(v *VehicleState) { v.setAlarm(armed) })
}

// SetDoor rejects unknown door names without changing anything.
func (m *Manager) SetDoor(name string, open bool) error {
	door, err := ParseDoor(name)
	if err != nil {
		return err
	}
	m.mutate(func(v *VehicleState) { v.setDoor(door, open) })
	return nil
}

func (m *Manager) SetProximity(detected bool) {
	m.mutate(func(v *VehicleState) {
		v.ProximityDetected = detected
		v.touch()
	})
}

func (m *Manager) SetEngineRunning(running bool) {
	m.mutate(func(v *VehicleState) {
		v.EngineRunning = running
		v.touch()
	})
}

// Save writes the current snapshot regardless of the persistence switch.
func (m *Manager) Save() error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(m.state)
}

func (m *Manager) DisablePersistence() {
	m.mu.Lock()
	m.persist = false
	m.mu.Unlock()
}

func (m *Manager) EnablePersistence() {
	m.mu.Lock()
	m.persist = m.store != nil
	m.mu.Unlock()
}

func (m *Manager) mutate(fn func(*VehicleState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
	m.saveLocked()
}

func (m *Manager) saveLocked() {
	if !m.persist {
		return
	}
	if err := m.store.Save(m.state); err != nil {
		m.logger.Error("failed to persist vehicle state", "path", m.store.Path(), "error", err)
	}
}
