package persistence

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// pipelineMetrics holds the counters of one pipeline in its own metrics set
type pipelineMetrics struct {
	set *metrics.Set

	flushes        *metrics.Counter
	flushedRecords *metrics.Counter
	critical       *metrics.Counter
	errors         *metrics.Counter
	flushDuration  *metrics.Histogram

	pending        atomic.Int64
	lastFlushMs    atomic.Uint64
	queueDepthFunc func() int
}

func newPipelineMetrics(queueDepth func() int) *pipelineMetrics {
	m := &pipelineMetrics{set: metrics.NewSet(), queueDepthFunc: queueDepth}

	m.flushes = m.set.NewCounter("mucore_persistence_flushes_total")
	m.flushedRecords = m.set.NewCounter("mucore_persistence_flushed_records_total")
	m.critical = m.set.NewCounter("mucore_persistence_critical_events_total")
	m.errors = m.set.NewCounter("mucore_persistence_errors_total")
	m.flushDuration = m.set.NewHistogram("mucore_persistence_flush_duration_seconds")

	m.set.NewGauge("mucore_persistence_queue_depth", func() float64 {
		return float64(m.queueDepthFunc())
	})
	m.set.NewGauge("mucore_persistence_pending_non_critical", func() float64 {
		return float64(m.pending.Load())
	})
	m.set.NewGauge("mucore_persistence_last_flush_duration_ms", func() float64 {
		return float64(m.lastFlushMs.Load())
	})
	return m
}

func (m *pipelineMetrics) observeFlush(started time.Time, records int, err error) {
	elapsed := time.Since(started)
	m.flushes.Inc()
	m.flushDuration.Update(elapsed.Seconds())
	m.lastFlushMs.Store(uint64(elapsed.Milliseconds()))
	if err != nil {
		m.errors.Inc()
		return
	}
	m.flushedRecords.Add(records)
}

func (m *pipelineMetrics) snapshot() Metrics {
	return Metrics{
		QueueDepth:          m.queueDepthFunc(),
		PendingNonCritical:  int(m.pending.Load()),
		FlushCount:          m.flushes.Get(),
		FlushedRecords:      m.flushedRecords.Get(),
		CriticalCount:       m.critical.Get(),
		ErrorCount:          m.errors.Get(),
		LastFlushDurationMs: m.lastFlushMs.Load(),
	}
}

func (m *pipelineMetrics) writePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
