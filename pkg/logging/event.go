package logging

import (
	"encoding/json"
	"time"
)

// Event is one entry of the bench event journal.
// Required fields: Timestamp, RunID, Bench, EventType, Summary.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	RunID     string          `json:"run_id"`
	Bench     string          `json:"bench"`
	EventType string          `json:"event_type"`
	Summary   string          `json:"summary"`
	Component string          `json:"component,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	EventIgnitionTransition = "ignition_transition"
	EventVMLifecycle        = "vm_lifecycle"
	EventCANFrame           = "can_frame"
	EventResourceCleanup    = "resource_cleanup"
)

// IgnitionTransitionData is the payload of ignition_transition events.
type IgnitionTransitionData struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Trigger       string `json:"trigger"` // "short", "long", "set"
	EngineRunning bool   `json:"engine_running"`
}

// VMLifecycleData is the payload of vm_lifecycle events.
type VMLifecycleData struct {
	VM      string `json:"vm"`
	Status  string `json:"status"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
	Command string `json:"command,omitempty"`
}

type CANFrameData struct {
	CanID       string `json:"can_id"`
	DataHex     string `json:"data_hex"`
	Description string `json:"description"`
}

// ResourceCleanupData is the payload of resource_cleanup events.
type ResourceCleanupData struct {
	VM      string   `json:"vm"`
	PID     int      `json:"pid"`
	Action  string   `json:"action"` // "terminated", "conflict"
	Cmdline string   `json:"cmdline,omitempty"`
	Paths   []string `json:"paths,omitempty"`
	Ports   []int    `json:"ports,omitempty"`
}
