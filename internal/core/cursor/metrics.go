package cursor

import (
	"time"
)

// batchRecord holds timing data for a handled batch.
type batchRecord struct {
	Offset      uint64 // offset after the batch
	Events      int
	ProcessedAt time.Time
}

// Metrics holds cursor throughput data.
type Metrics struct {
	EventsPerSecond  float64
	AverageBatchTime time.Duration
	LastPausedAt     *time.Time
	StateHistory     []Transition
}

// MetricsCollector tracks cursor throughput over time.
type MetricsCollector struct {
	windowSize   int           // number of batches to track
	batches      []batchRecord // ring buffer of batch records
	transitions  []Transition  // recent state changes
	lastPausedAt *time.Time
}

// RecordBatch records timing for a handled batch.
func (mc *MetricsCollector) RecordBatch(offset uint64, events int, processedAt time.Time) {
	record := batchRecord{
		Offset:      offset,
		Events:      events,
		ProcessedAt: processedAt,
	}

	if len(mc.batches) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.batches, mc.batches[1:])
		mc.batches[len(mc.batches)-1] = record
	} else {
		mc.batches = append(mc.batches, record)
	}
}

// RecordTransition records a state transition.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	// Keep only last 10 transitions
	if len(mc.transitions) >= 10 {
		copy(mc.transitions, mc.transitions[1:])
		mc.transitions[len(mc.transitions)-1] = t
	} else {
		mc.transitions = append(mc.transitions, t)
	}

	if t.To == StatePaused {
		at := t.Timestamp
		mc.lastPausedAt = &at
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		LastPausedAt: mc.lastPausedAt,
		StateHistory: make([]Transition, len(mc.transitions)),
	}
	copy(m.StateHistory, mc.transitions)

	if len(mc.batches) >= 2 {
		first := mc.batches[0]
		last := mc.batches[len(mc.batches)-1]
		duration := last.ProcessedAt.Sub(first.ProcessedAt)

		if duration > 0 {
			events := float64(last.Offset - first.Offset)
			m.EventsPerSecond = events / duration.Seconds()
			m.AverageBatchTime = time.Duration(float64(duration) / float64(len(mc.batches)-1))
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.batches = mc.batches[:0]
	mc.transitions = mc.transitions[:0]
	mc.lastPausedAt = nil
}
