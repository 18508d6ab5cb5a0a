// Package metrics holds the Prometheus collectors for workers and processors.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every presto metric.
const Namespace = "presto"

// Outcomes of a worker dispatch.
const (
	OutcomeSuccess = "success"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// Metrics groups the worker and processor collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	Dispatches          *prometheus.CounterVec
	CacheHits           *prometheus.CounterVec
	CacheMisses         *prometheus.CounterVec
	DeadLettered        *prometheus.CounterVec
	Requeued            *prometheus.CounterVec
	Forwarded           *prometheus.CounterVec
	AbandonedDispatches *prometheus.CounterVec
	ExecutionSeconds    *prometheus.HistogramVec
	Callbacks           *prometheus.CounterVec

	DLQ *DLQMetrics
}

// New creates collectors that register with registerer, or the default
// registerer when nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:   registerer,
		Dispatches:   newCounterVec("worker", "dispatches_total", "Kernel dispatches by outcome (success, timeout, error)", "kind", "outcome"),
		CacheHits:    newCounterVec("worker", "cache_hits_total", "Messages answered from the result cache", "kind"),
		CacheMisses:  newCounterVec("worker", "cache_misses_total", "Messages with a content hash not found in the result cache", "kind"),
		DeadLettered: newCounterVec("worker", "dead_lettered_total", "Messages moved to the dead letter queue", "kind", "reason"),
		Requeued:     newCounterVec("worker", "requeued_total", "Messages sent back to the input queue for retry", "kind"),
		Forwarded:    newCounterVec("worker", "forwarded_total", "Completed messages sent to the output queue", "kind"),
		AbandonedDispatches: newCounterVec("worker", "abandoned_dispatches",
			"Kernel dispatches that outlived their timeout and were left running", "kind"),
		ExecutionSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "worker",
				Name:      "execution_seconds",
				Help:      "Wall time of kernel dispatches",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),
		Callbacks: newCounterVec("processor", "callbacks_total", "Callback deliveries by outcome (success, failure, skipped)", "kind", "outcome"),
		DLQ:       NewDLQMetrics(registerer),
	}
}

// Register registers all collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.Dispatches,
		m.CacheHits,
		m.CacheMisses,
		m.DeadLettered,
		m.Requeued,
		m.Forwarded,
		m.AbandonedDispatches,
		m.ExecutionSeconds,
		m.Callbacks,
	}
	for _, c := range collectors {
		if err := register(m.registerer, c); err != nil {
			return err
		}
	}
	if err := m.DLQ.Register(); err != nil {
		return err
	}
	m.registered = true
	return nil
}

func register(r prometheus.Registerer, c prometheus.Collector) error {
	if err := r.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveDispatch(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(kind, outcome).Inc()
	m.ExecutionSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) CacheHit(kind string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheMiss(kind string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(kind).Inc()
}

// DeadLetter counts a message moved to queue and feeds the DLQ statistics.
func (m *Metrics) DeadLetter(kind, queue, reason string, retryCount int) {
	if m == nil {
		return
	}
	m.DeadLettered.WithLabelValues(kind, reason).Inc()
	m.DLQ.RecordMessageToDLQ(queue, kind, retryCount)
}

func (m *Metrics) Requeue(kind string) {
	if m == nil {
		return
	}
	m.Requeued.WithLabelValues(kind).Inc()
}

func (m *Metrics) Forward(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Forwarded.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) AbandonDispatch(kind string) {
	if m == nil {
		return
	}
	m.AbandonedDispatches.WithLabelValues(kind).Inc()
}

func (m *Metrics) Callback(kind, outcome string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(kind, outcome).Inc()
}

// Redriven records messages moved from a dead letter queue back to input.
func (m *Metrics) Redriven(queue string, n int) {
	if m == nil {
		return
	}
	for range n {
		m.DLQ.RecordMessageReplayed(queue)
	}
}
