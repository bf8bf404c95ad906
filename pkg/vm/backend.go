// Package vm defines the lifecycle contract shared by the guest VM
// orchestrators of the bench.
package vm

import (
	"context"
	"time"
)

// Status is the lifecycle status of one guest.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusError    Status = "ERROR"
)

// Statuses lists every Status in lifecycle order.
var Statuses = []Status{StatusStopped, StatusStarting, StatusRunning, StatusStopping, StatusError}

func (s Status) String() string { return string(s) }

// Active reports whether a start request should be ignored.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// StatusNames returns Statuses as strings, for metric labels.
func StatusNames() []string {
	out := make([]string, len(Statuses))
	for i, s := range Statuses {
		out[i] = string(s)
	}
	return out
}

// Runtime is the ephemeral view of a guest process. It is reset on every
// start attempt.
type Runtime struct {
	Status      Status    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	LastCommand string    `json:"last_command,omitempty"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
}

// Orchestrator owns the process of one guest.
type Orchestrator interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Runtime() Runtime
	Name() string
}

// Guest names used in logs, metrics and file names.
const (
	HeadUnit = "head_unit"
	Cluster  = "cluster"
)
