package netlink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors updated by a Manager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	connsActive     prometheus.Gauge
	connsAllocated  prometheus.Counter
	allocFailures   prometheus.Counter
	responsesQueued prometheus.Counter
	responsesRead   prometheus.Counter
	broadcasts      prometheus.Counter
	broadcastClones prometheus.Counter
	broadcastDrops  prometheus.Counter
	subscriberSkips prometheus.Counter
	waits           prometheus.Counter
	waitInterrupts  *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

// NewMetrics registers the manager collectors on reg under namespace
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const subsystem = "netlink"

	return &Metrics{
		connsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Number of allocated connections.",
		}),
		connsAllocated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_allocated_total",
			Help:      "Total number of connections allocated.",
		}),
		allocFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "allocation_failures_total",
			Help:      "Total number of allocations refused because the pool was exhausted.",
		}),
		responsesQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "responses_queued_total",
			Help:      "Total number of records appended to connection queues.",
		}),
		responsesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "responses_dequeued_total",
			Help:      "Total number of records taken by receivers.",
		}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcasts_total",
			Help:      "Total number of group broadcasts.",
		}),
		broadcastClones: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcast_clones_total",
			Help:      "Total number of records cloned for additional subscribers.",
		}),
		broadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcast_drops_total",
			Help:      "Total number of broadcasts dropped with no receiving subscriber.",
		}),
		subscriberSkips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscriber_skips_total",
			Help:      "Total number of broadcast deliveries skipped because a queue was full.",
		}),
		waits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "waits_total",
			Help:      "Total number of receives that suspended waiting for a record.",
		}),
		waitInterrupts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "wait_interrupts_total",
			Help:      "Total number of suspended receives that returned without a record.",
		}, []string{"reason"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queued_responses",
			Help:      "Number of records currently waiting in connection queues.",
		}),
	}
}

func (m *Metrics) connAllocated() {
	if m == nil {
		return
	}
	m.connsAllocated.Inc()
	m.connsActive.Inc()
}

func (m *Metrics) connFreed(drained int) {
	if m == nil {
		return
	}
	m.connsActive.Dec()
	m.queueDepth.Sub(float64(drained))
}

func (m *Metrics) allocFailed() {
	if m == nil {
		return
	}
	m.allocFailures.Inc()
}

func (m *Metrics) queued(n int) {
	if m == nil || n == 0 {
		return
	}
	m.responsesQueued.Add(float64(n))
	m.queueDepth.Add(float64(n))
}

func (m *Metrics) dequeued() {
	if m == nil {
		return
	}
	m.responsesRead.Inc()
	m.queueDepth.Dec()
}

func (m *Metrics) broadcast(clones, skipped int, dropped bool) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.broadcastClones.Add(float64(clones))
	m.subscriberSkips.Add(float64(skipped))
	if dropped {
		m.broadcastDrops.Inc()
	}
}

func (m *Metrics) waited() {
	if m == nil {
		return
	}
	m.waits.Inc()
}

func (m *Metrics) interrupted(reason string) {
	if m == nil {
		return
	}
	m.waitInterrupts.WithLabelValues(reason).Inc()
}
