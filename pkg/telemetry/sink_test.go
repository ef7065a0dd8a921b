package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_Track_Aggregates(t *testing.T) {
	s := NewSink(100)

	durations := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}
	for _, d := range durations {
		s.Track(Event{Type: EventExecution, Tool: "build_image", Duration: d})
	}

	snapshot := s.Snapshot()
	agg, ok := snapshot["build_image.duration"]
	require.True(t, ok)
	assert.Equal(t, 3, agg.Count)
	assert.Equal(t, 100*time.Millisecond, agg.Min)
	assert.Equal(t, 300*time.Millisecond, agg.Max)
	assert.Equal(t, 200*time.Millisecond, agg.Avg)
}

func TestSink_Track_Errors(t *testing.T) {
	s := NewSink(100)

	s.Track(Event{Type: EventError, Tool: "scan_image", Error: "trivy not found"})
	s.Track(Event{Type: EventError, Tool: "scan_image", Error: "timeout"})

	snapshot := s.Snapshot()
	assert.Equal(t, 2, snapshot["scan_image.errors"].Count)
	assert.NotContains(t, snapshot, "scan_image.duration")
}

func TestSink_RingBufferDropsOldest(t *testing.T) {
	s := NewSink(3)

	for i := 0; i < 5; i++ {
		s.Track(Event{Type: EventExecution, Tool: fmt.Sprintf("t%d", i)})
	}

	events := s.Events(0)
	require.Len(t, events, 3)
	assert.Equal(t, "t2", events[0].Tool)
	assert.Equal(t, "t4", events[2].Tool)
}

func TestSink_Events_Recent(t *testing.T) {
	s := NewSink(10)
	for i := 0; i < 5; i++ {
		s.Track(Event{Type: EventExecution, Tool: fmt.Sprintf("t%d", i)})
	}

	events := s.Events(2)
	require.Len(t, events, 2)
	assert.Equal(t, "t3", events[0].Tool)
	assert.Equal(t, "t4", events[1].Tool)
}

func TestSink_TimestampDefaulted(t *testing.T) {
	s := NewSink(10)
	s.Track(Event{Type: EventExecution, Tool: "ping"})

	events := s.Events(1)
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestSink_Health_Healthy(t *testing.T) {
	s := NewSink(100)
	for i := 0; i < 20; i++ {
		s.Track(Event{Type: EventExecution, Tool: "ping", Duration: 50 * time.Millisecond})
	}

	h := s.Health()
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Empty(t, h.Breaches)
}

func TestSink_Health_DegradedLatency(t *testing.T) {
	s := NewSink(100)
	for i := 0; i < 10; i++ {
		s.Track(Event{Type: EventExecution, Tool: "build_image", Duration: 3 * time.Second})
	}

	h := s.Health()
	assert.Equal(t, StatusDegraded, h.Status)
	require.Len(t, h.Breaches, 1)
}

func TestSink_Health_CriticalLatencyOutlier(t *testing.T) {
	// Nine fast executions plus one huge outlier: mean stays under the
	// critical threshold but over the degraded one.
	s := NewSink(100)
	for i := 0; i < 9; i++ {
		s.Track(Event{Type: EventExecution, Tool: "x", Duration: 100 * time.Millisecond})
	}
	s.Track(Event{Type: EventExecution, Tool: "x", Duration: 30 * time.Second})

	h := s.Health()
	assert.Equal(t, StatusDegraded, h.Status)

	// A heavier outlier pushes the mean past critical.
	s2 := NewSink(100)
	for i := 0; i < 9; i++ {
		s2.Track(Event{Type: EventExecution, Tool: "x", Duration: 100 * time.Millisecond})
	}
	s2.Track(Event{Type: EventExecution, Tool: "x", Duration: 60 * time.Second})

	h2 := s2.Health()
	assert.Equal(t, StatusCritical, h2.Status)
}

func TestSink_Health_ErrorRates(t *testing.T) {
	tests := []struct {
		name       string
		executions int
		errors     int
		want       Status
	}{
		{name: "no errors", executions: 100, errors: 0, want: StatusHealthy},
		{name: "above degraded", executions: 93, errors: 7, want: StatusDegraded},
		{name: "above critical", executions: 80, errors: 20, want: StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSink(1000)
			for i := 0; i < tt.executions; i++ {
				s.Track(Event{Type: EventExecution, Tool: "op", Duration: 10 * time.Millisecond})
			}
			for i := 0; i < tt.errors; i++ {
				s.Track(Event{Type: EventError, Tool: "op", Error: "boom"})
			}

			assert.Equal(t, tt.want, s.Health().Status)
		})
	}
}

func TestSink_Health_Empty(t *testing.T) {
	h := NewSink(10).Health()
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Zero(t, h.ErrorRate)
	assert.Zero(t, h.AvgLatency)
}

func TestSink_ConcurrentTrack(t *testing.T) {
	s := NewSink(100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Track(Event{Type: EventExecution, Tool: "op", Duration: time.Millisecond})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, s.Snapshot()["op.duration"].Count)
}
