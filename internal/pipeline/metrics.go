package pipeline

import "github.com/prometheus/client_golang/prometheus"

const namespace = "powertrace"

// Metrics instruments a Pipeline.
type Metrics struct {
	Enqueued      prometheus.Counter
	Rejected      prometheus.Counter
	Persisted     prometheus.Counter
	Batches       prometheus.Counter
	FlushFailures prometheus.Counter
	Buffered      prometheus.Gauge
	CommitLatency prometheus.Histogram
}

// NewMetrics creates the pipeline collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_enqueued_total",
			Help:      "Samples accepted into the ingestion buffer.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Samples refused because they were invalid or no session was bound.",
		}),
		Persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_persisted_total",
			Help:      "Samples committed to storage.",
		}),
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_committed_total",
			Help:      "Insert transactions committed.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Insert transactions that failed and were rolled back.",
		}),
		Buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_length",
			Help:      "Samples currently waiting in the ingestion buffer.",
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_commit_seconds",
			Help:      "Time to commit one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Enqueued,
			m.Rejected,
			m.Persisted,
			m.Batches,
			m.FlushFailures,
			m.Buffered,
			m.CommitLatency,
		)
	}

	return m
}
