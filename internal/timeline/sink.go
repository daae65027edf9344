// Package timeline delivers stage change events to the deal timeline.
// Delivery is best effort: the deal service logs and counts failures but
// never fails a committed move because of them.
package timeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/pitabwire/dealflow/model"
)

// Sink receives stage change events.
type Sink interface {
	Emit(ctx context.Context, event model.StageChangeEvent) error
}

// SinkFailure is one sink's failure within a MultiSink delivery.
type SinkFailure struct {
	Sink string
	Err  error
}

// EmitError reports the sinks of a MultiSink that failed.
type EmitError struct {
	Failures []SinkFailure
}

func (e *EmitError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Sink, f.Err))
	}
	return "timeline: " + strings.Join(parts, "; ")
}

type namedSink struct {
	name string
	sink Sink
}

// MultiSink fans an event out to several sinks. Every sink is tried even
// when an earlier one fails.
type MultiSink struct {
	sinks []namedSink
}

// NewMultiSink creates an empty MultiSink.
func NewMultiSink() *MultiSink {
	return &MultiSink{}
}

// Add registers a sink under name and returns m.
func (m *MultiSink) Add(name string, sink Sink) *MultiSink {
	m.sinks = append(m.sinks, namedSink{name: name, sink: sink})
	return m
}

// Names returns the registered sink names in registration order.
func (m *MultiSink) Names() []string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.name)
	}
	return names
}

// Emit implements Sink. It returns an *EmitError naming every failed sink.
func (m *MultiSink) Emit(ctx context.Context, event model.StageChangeEvent) error {
	var failures []SinkFailure
	for _, s := range m.sinks {
		if err := s.sink.Emit(ctx, event); err != nil {
			failures = append(failures, SinkFailure{Sink: s.name, Err: err})
		}
	}
	if len(failures) > 0 {
		return &EmitError{Failures: failures}
	}
	return nil
}

// MemorySink keeps events in memory, in emission order.
type MemorySink struct {
	mu     sync.RWMutex
	events []model.StageChangeEvent
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit implements Sink.
func (s *MemorySink) Emit(ctx context.Context, event model.StageChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns the events recorded for a deal.
func (s *MemorySink) Events(dealID string) []model.StageChangeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.StageChangeEvent
	for _, e := range s.events {
		if e.DealID == dealID {
			out = append(out, e)
		}
	}
	return out
}

// All returns every recorded event.
func (s *MemorySink) All() []model.StageChangeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}
