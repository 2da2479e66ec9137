// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sidekiq"

// Metrics holds every collector the engine updates. One instance is shared
// by the processors, the poller, and the retry engine.
type Metrics struct {
	Fetched   prometheus.Counter
	Processed prometheus.Counter
	Failed    prometheus.Counter
	Retried   prometheus.Counter
	Dead      prometheus.Counter
	Promoted  prometheus.Counter

	BusyWorkers prometheus.Gauge

	JobDuration *prometheus.HistogramVec
}

// New registers the collectors on reg; a nil reg uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Fetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_fetched_total",
			Help:      "Jobs pulled from queues into in-flight lists.",
		}),
		Processed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Job executions, successful or not.",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Job executions that ended in an error or panic.",
		}),
		Retried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Failures rescheduled into the retry set.",
		}),
		Dead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_total",
			Help:      "Jobs buried in the dead set.",
		}),
		Promoted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_promoted_total",
			Help:      "Due jobs moved from the retry and scheduled sets to queues.",
		}),
		BusyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy_workers",
			Help:      "Processor goroutines currently executing a job.",
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock job execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 12),
		}, []string{"queue", "class"}),
	}
}

// ObserveDuration records one execution's wall time.
func (m *Metrics) ObserveDuration(queue, class string, d time.Duration) {
	m.JobDuration.WithLabelValues(queue, class).Observe(d.Seconds())
}
