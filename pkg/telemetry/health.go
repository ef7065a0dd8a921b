package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Status is the tri-state health classification
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Classification thresholds
const (
	criticalErrorRate = 0.10
	degradedErrorRate = 0.05
	criticalLatency   = 5000 * time.Millisecond
	degradedLatency   = 2000 * time.Millisecond
)

// Health is the derived classification plus the thresholds breached
type Health struct {
	Status     Status        `json:"status"`
	ErrorRate  float64       `json:"error_rate"`
	AvgLatency time.Duration `json:"avg_latency"`
	Breaches   []string      `json:"breaches,omitempty"`
}

// Health derives the classification from computed error rate and average
// latency across all tracked operations.
func (s *Sink) Health() Health {
	snapshot := s.Snapshot()

	var (
		executions int
		errors     int
		weighted   time.Duration
	)

	for key, agg := range snapshot {
		switch {
		case strings.HasSuffix(key, ".duration"):
			executions += agg.Count
			weighted += agg.Avg * time.Duration(agg.Count)
		case strings.HasSuffix(key, ".errors"):
			errors += agg.Count
		}
	}

	h := Health{Status: StatusHealthy}

	if executions > 0 {
		h.AvgLatency = weighted / time.Duration(executions)
	}
	total := executions + errors
	if total > 0 {
		h.ErrorRate = float64(errors) / float64(total)
	}

	if h.ErrorRate > criticalErrorRate {
		h.Breaches = append(h.Breaches, fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", h.ErrorRate*100, criticalErrorRate*100))
		h.Status = StatusCritical
	} else if h.ErrorRate > degradedErrorRate {
		h.Breaches = append(h.Breaches, fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", h.ErrorRate*100, degradedErrorRate*100))
		h.Status = StatusDegraded
	}

	if h.AvgLatency > criticalLatency {
		h.Breaches = append(h.Breaches, fmt.Sprintf("average latency %s exceeds %s", h.AvgLatency, criticalLatency))
		h.Status = StatusCritical
	} else if h.AvgLatency > degradedLatency && h.Status != StatusCritical {
		h.Breaches = append(h.Breaches, fmt.Sprintf("average latency %s exceeds %s", h.AvgLatency, degradedLatency))
		h.Status = StatusDegraded
	}

	return h
}
