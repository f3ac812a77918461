// Package metrics exports job lifecycle events as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"

	"github.com/nixpig/unitd/internal/jobmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unitd"

// Collector holds the job metrics. Observe must be called from a single
// goroutine, such as a manager listener.
type Collector struct {
	registry *prometheus.Registry

	// inFlight holds jobs that have started and not finished. A restart
	// starts twice.
	inFlight map[jobmanager.JobID]struct{}

	queued   *prometheus.CounterVec
	finished *prometheus.CounterVec
	rejected *prometheus.CounterVec
	running  prometheus.Gauge
	duration *prometheus.HistogramVec
}

// New creates a Collector on its own registry, together with the Go and
// process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		inFlight: make(map[jobmanager.JobID]struct{}),
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_queued_total",
			Help:      "Jobs installed by committed transactions.",
		}, []string{"type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs finished, by result.",
		}, []string{"type", "result"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_rejected_total",
			Help:      "Transactions rejected before commit, by reason.",
		}, []string{"reason"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs whose backend action is in flight.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from queueing to finishing a job.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"type", "result"}),
	}

	c.registry.MustRegister(
		c.queued,
		c.finished,
		c.rejected,
		c.running,
		c.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Observe records ev.
func (c *Collector) Observe(ev jobmanager.Event) {
	typ := ev.Type.String()

	switch ev.Kind {
	case jobmanager.EventQueued:
		c.queued.WithLabelValues(typ).Inc()

	case jobmanager.EventStarted:
		c.inFlight[ev.Job] = struct{}{}
		c.running.Set(float64(len(c.inFlight)))

	case jobmanager.EventFinished:
		result := ev.Result.String()

		delete(c.inFlight, ev.Job)
		c.running.Set(float64(len(c.inFlight)))

		c.finished.WithLabelValues(typ, result).Inc()
		c.duration.WithLabelValues(typ, result).Observe(ev.Duration.Seconds())
	}
}

// ObserveRejection records a transaction that failed to commit.
func (c *Collector) ObserveRejection(err error) {
	c.rejected.WithLabelValues(reason(err)).Inc()
}

func reason(err error) string {
	switch {
	case errors.Is(err, jobmanager.ErrUnfixableDeadlock):
		return "deadlock"
	case errors.Is(err, jobmanager.ErrUnmergeableConflict):
		return "conflict"
	case errors.Is(err, jobmanager.ErrUnitUnknown):
		return "unknown_unit"
	case errors.Is(err, jobmanager.ErrBusy):
		return "busy"
	case errors.Is(err, jobmanager.ErrJobTypeNotApplicable):
		return "not_applicable"
	case errors.Is(err, jobmanager.ErrTooManyJobs):
		return "too_many_jobs"
	default:
		return "other"
	}
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
