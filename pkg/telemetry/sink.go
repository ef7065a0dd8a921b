// Package telemetry records discrete execution events and derives rolling
// aggregates and a health classification from them.
package telemetry

import (
	"sync"
	"time"
)

// EventType tags a telemetry event
type EventType string

const (
	EventExecution EventType = "execution"
	EventError     EventType = "error"
	EventRetry     EventType = "retry"
	EventPolicy    EventType = "policy"
)

// Event is one discrete execution record
type Event struct {
	Type      EventType              `json:"type"`
	Tool      string                 `json:"tool,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Aggregate is a running summary for one metric key
type Aggregate struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min,omitempty"`
	Max   time.Duration `json:"max,omitempty"`
	Avg   time.Duration `json:"avg,omitempty"`
}

// DefaultCapacity bounds the event buffer
const DefaultCapacity = 1000

// Sink buffers events in a fixed-capacity ring (oldest dropped first) and
// folds them into running aggregates keyed <tool>.duration and
// <tool>.errors. Safe for concurrent use.
type Sink struct {
	capacity   int
	events     []Event
	head       int
	size       int
	aggregates map[string]*Aggregate
	mu         sync.Mutex
}

// NewSink creates a sink with the given buffer capacity; capacity <= 0
// uses DefaultCapacity.
func NewSink(capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink{
		capacity:   capacity,
		events:     make([]Event, capacity),
		aggregates: make(map[string]*Aggregate),
	}
}

// Track appends an event and updates the aggregates
func (s *Sink) Track(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[(s.head+s.size)%s.capacity] = event
	if s.size < s.capacity {
		s.size++
	} else {
		s.head = (s.head + 1) % s.capacity
	}

	if event.Tool == "" {
		return
	}

	if event.Duration > 0 {
		key := event.Tool + ".duration"
		agg := s.aggregates[key]
		if agg == nil {
			agg = &Aggregate{Min: event.Duration, Max: event.Duration}
			s.aggregates[key] = agg
		}
		agg.Count++
		if event.Duration < agg.Min {
			agg.Min = event.Duration
		}
		if event.Duration > agg.Max {
			agg.Max = event.Duration
		}
		// Incremental mean: avg' = (avg*(n-1) + x) / n
		agg.Avg = (agg.Avg*time.Duration(agg.Count-1) + event.Duration) / time.Duration(agg.Count)
	}

	if event.Error != "" {
		key := event.Tool + ".errors"
		agg := s.aggregates[key]
		if agg == nil {
			agg = &Aggregate{}
			s.aggregates[key] = agg
		}
		agg.Count++
	}
}

// Events returns up to n most recent events, newest last
func (s *Sink) Events(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > s.size {
		n = s.size
	}

	out := make([]Event, 0, n)
	for i := s.size - n; i < s.size; i++ {
		out = append(out, s.events[(s.head+i)%s.capacity])
	}
	return out
}

// Snapshot returns a copy of all aggregates
func (s *Sink) Snapshot() map[string]Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Aggregate, len(s.aggregates))
	for k, v := range s.aggregates {
		out[k] = *v
	}
	return out
}
