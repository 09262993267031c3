package writer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// drop reasons
const (
	dropNoProject = "no_project"
	dropEncode    = "encode"
)

// flush triggers
const (
	triggerPeriodic  = "periodic"
	triggerThreshold = "threshold"
	triggerFatal     = "fatal"
	triggerManual    = "manual"
)

// Metrics of the trace buffer. Unregistered when the writer has no registerer.
type Metrics struct {
	TracesQueued  prometheus.Counter
	TracesDropped *prometheus.CounterVec
	Flushes       *prometheus.CounterVec
	Publishes     *prometheus.CounterVec
	Buffered      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TracesQueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "seetrace_traces_queued_total",
				Help: "Total number of traces appended to the buffer",
			},
		),
		TracesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seetrace_traces_dropped_total",
				Help: "Total number of traces dropped before buffering",
			},
			[]string{"reason"},
		),
		Flushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seetrace_flushes_total",
				Help: "Total number of non-empty buffer flushes",
			},
			[]string{"trigger"},
		),
		Publishes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seetrace_publishes_total",
				Help: "Total number of published batches",
			},
			[]string{"result"},
		),
		Buffered: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "seetrace_buffered_traces",
				Help: "Number of traces waiting for the next flush",
			},
		),
	}
}
