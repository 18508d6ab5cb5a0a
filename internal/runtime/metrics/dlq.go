package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead letter queue statistics per queue.
type DLQMetrics struct {
	mu sync.RWMutex

	queues map[string]*DLQQueueMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	retryCountHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQQueueMetrics holds counters for one dead letter queue.
type DLQQueueMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgRetryCount    float64   `json:"avg_retry_count"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DLQSnapshot is a point-in-time view of all dead letter queues.
type DLQSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	TotalReplayed uint64                      `json:"total_replayed"`
	Queues        map[string]*DLQQueueMetrics `json:"queues"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DLQMetrics{
		queues:        make(map[string]*DLQQueueMetrics),
		registerer:    registerer,
		messagesTotal: newCounterVec("dlq", "messages_total", "Total number of messages sent to a dead letter queue", "queue", "kind"),
		messagesCurrent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "dlq",
				Name:      "messages_current",
				Help:      "Messages dead-lettered by this process and not yet redriven",
			},
			[]string{"queue"},
		),
		replayedTotal: newCounterVec("dlq", "replayed_total", "Total number of messages redriven from a dead letter queue", "queue"),
		retryCountHist: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "dlq",
				Name:      "retry_count",
				Help:      "Retry count of messages when they were dead-lettered",
				Buckets:   []float64{0, 1, 2, 3, 5, 10},
			},
			[]string{"queue"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.messagesTotal, m.messagesCurrent, m.replayedTotal, m.retryCountHist} {
		if err := register(m.registerer, c); err != nil {
			return err
		}
	}
	m.registered = true
	return nil
}

func (m *DLQMetrics) RecordMessageToDLQ(queue, kind string, retryCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	qm := m.queue(queue)
	qm.MessagesReceived++
	qm.MessagesCurrent++
	qm.LastUpdatedAt = now
	if qm.OldestMessageAt.IsZero() {
		qm.OldestMessageAt = now
	}
	qm.NewestMessageAt = now

	total := qm.MessagesReceived
	qm.AvgRetryCount = ((qm.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)

	m.messagesTotal.WithLabelValues(queue, kind).Inc()
	m.messagesCurrent.WithLabelValues(queue).Set(float64(qm.MessagesCurrent))
	m.retryCountHist.WithLabelValues(queue).Observe(float64(retryCount))
}

func (m *DLQMetrics) RecordMessageReplayed(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.queue(queue)
	qm.MessagesReplayed++
	if qm.MessagesCurrent > 0 {
		qm.MessagesCurrent--
	}
	qm.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(queue).Inc()
	m.messagesCurrent.WithLabelValues(queue).Set(float64(qm.MessagesCurrent))
}

// Snapshot returns copies of all per-queue counters.
func (m *DLQMetrics) Snapshot() DLQSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DLQSnapshot{
		Queues:      make(map[string]*DLQQueueMetrics, len(m.queues)),
		CollectedAt: time.Now(),
	}
	for name, qm := range m.queues {
		c := *qm
		snap.Queues[name] = &c
		snap.TotalMessages += qm.MessagesCurrent
		snap.TotalReplayed += qm.MessagesReplayed
	}
	return snap
}

// Queue returns a copy of the counters for queue, or nil.
func (m *DLQMetrics) Queue(queue string) *DLQQueueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if qm, ok := m.queues[queue]; ok {
		c := *qm
		return &c
	}
	return nil
}

func (m *DLQMetrics) queue(name string) *DLQQueueMetrics {
	if qm, ok := m.queues[name]; ok {
		return qm
	}
	qm := &DLQQueueMetrics{}
	m.queues[name] = qm
	return qm
}
