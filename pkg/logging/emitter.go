package logging

import (
	"encoding/json"
	"time"

	"github.com/jingkaihe/ivibench/internal/errx"
)

// EmitterConfig is stamped onto every event.
type EmitterConfig struct {
	RunID string // one per `ivibench up`, a uuid
	Bench string // usually the hostname
}

// Emitter fans typed events out to its sinks.
//
// A nil *Emitter is safe to use; Emit and Close on it do nothing, so
// services can hold an optional emitter without guarding each call.
type Emitter struct {
	config EmitterConfig
	sinks  []Sink
}

func NewEmitter(cfg EmitterConfig, sinks ...Sink) *Emitter {
	return &Emitter{
		config: cfg,
		sinks:  sinks,
	}
}

// RunID returns the run identifier stamped on events.
func (e *Emitter) RunID() string {
	if e == nil {
		return ""
	}
	return e.config.RunID
}

// Emit marshals data, stamps the static metadata and writes the event to
// every sink. It returns the first sink error; callers treat emission as
// best effort.
func (e *Emitter) Emit(eventType, summary, component string, tags []string, data any) error {
	if e == nil {
		return nil
	}

	var rawData json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		rawData = b
	}

	event := &Event{
		Timestamp: time.Now().UTC(),
		RunID:     e.config.RunID,
		Bench:     e.config.Bench,
		EventType: eventType,
		Summary:   summary,
		Component: component,
		Tags:      tags,
		Data:      rawData,
	}

	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes all sinks. Returns the first error encountered.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
