package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry backs the /metrics endpoint.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	APIHealth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execcore_api_health",
		Help: "EWMA API health score per connection (0-100)",
	}, []string{"account", "exchange"})

	BatchSize = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execcore_batch_size",
		Help: "Current batch-size hint per connection",
	}, []string{"account", "exchange"})

	LoopState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execcore_loop_state",
		Help: "1 for the current state of each (account, broker) loop",
	}, []string{"account", "broker", "state"})

	OrderAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_order_attempts_total",
		Help: "Physical order submissions by outcome",
	}, []string{"exchange", "outcome"})

	OrderLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execcore_order_latency_seconds",
		Help:    "Order placement latency including retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"exchange"})

	TerminalErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_order_errors_total",
		Help: "Terminal order errors by code",
	}, []string{"exchange", "code"})

	SuppressedIntents = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_suppressed_intents_total",
		Help: "Intents denied by the capability matrix",
	}, []string{"exchange", "reason"})

	ReconcileEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_reconcile_events_total",
		Help: "Reconciliation outcomes (zombie, removed, revived, healed, adopted, dust)",
	}, []string{"account", "kind"})

	ForcedExits = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_forced_exits_total",
		Help: "Forced exits by reason",
	}, []string{"account", "reason"})

	RiskRejections = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_risk_rejections_total",
		Help: "Entries refused by account risk policy",
	}, []string{"account", "code"})

	MirrorIntents = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "execcore_mirror_intents_total",
		Help: "Copy-mirror decisions per follower",
	}, []string{"follower", "result"})

	QueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execcore_intent_queue_depth",
		Help: "Pending intents per loop",
	}, []string{"account", "broker"})

	DroppedEvents = factory.NewGauge(prometheus.GaugeOpts{
		Name: "execcore_bus_dropped_events",
		Help: "Event deliveries dropped by slow subscribers",
	})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}
