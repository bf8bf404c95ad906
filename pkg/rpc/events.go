package rpc

import (
	"sync"
	"sync/atomic"

	"github.com/jingkaihe/ivibench/pkg/logging"
)

// EventSink is a logging.Sink that hands events to an RPC client. When the
// client falls behind, events are dropped rather than blocking the bench.
type EventSink struct {
	mu      sync.RWMutex
	ch      chan logging.Event
	skip    map[string]bool
	closed  bool
	dropped atomic.Uint64
}

// NewEventSink buffers size events. Event types in skip are never relayed.
func NewEventSink(size int, skip ...string) *EventSink {
	s := &EventSink{
		ch:   make(chan logging.Event, size),
		skip: make(map[string]bool, len(skip)),
	}
	for _, t := range skip {
		s.skip[t] = true
	}
	return s
}

func (s *EventSink) Events() <-chan logging.Event { return s.ch }

// Dropped counts events lost to a full buffer.
func (s *EventSink) Dropped() uint64 { return s.dropped.Load() }

func (s *EventSink) Write(event *logging.Event) error {
	if s.skip[event.EventType] {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- *event:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
