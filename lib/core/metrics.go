package core

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

type runtimeMetrics struct {
	set *metrics.Set

	packets        *metrics.Counter
	rejectedFrames *metrics.Counter
	errorReplies   *metrics.Counter
	scaleOuts      *metrics.Counter
}

func newRuntimeMetrics(o *Orchestrator) *runtimeMetrics {
	m := &runtimeMetrics{set: metrics.NewSet()}

	m.packets = m.set.NewCounter("mucore_runtime_packets_total")
	m.rejectedFrames = m.set.NewCounter("mucore_runtime_rejected_frames_total")
	m.errorReplies = m.set.NewCounter("mucore_runtime_error_replies_total")
	m.scaleOuts = m.set.NewCounter("mucore_runtime_scale_outs_total")

	m.set.NewGauge("mucore_runtime_online_maps", func() float64 {
		return float64(o.maps.Size())
	})
	m.set.NewGauge("mucore_runtime_active_transfers", func() float64 {
		return float64(o.transfers.Size())
	})
	m.set.NewGauge("mucore_runtime_sessions_in_maps", func() float64 {
		return float64(o.routes.Size())
	})
	m.set.NewGauge("mucore_runtime_authenticated_sessions", func() float64 {
		return float64(o.sessions.Size())
	})
	return m
}

// WritePrometheus writes the runtime and persistence metrics in Prometheus text format
func (o *Orchestrator) WritePrometheus(w io.Writer) {
	o.metrics.set.WritePrometheus(w)
	o.persistence.WritePrometheus(w)
}
