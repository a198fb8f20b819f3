// Package metrics exposes the relayer's operational counters. Counters are
// served over Prometheus and mirrored into an append-only database table so
// totals survive process restarts and scrape gaps.
package metrics

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Mirror persists counter increments. Implemented by the database metrics
// repository.
type Mirror interface {
	Incr(ctx context.Context, name string, delta int64) error
}

// Metrics holds the relayer counter set. All methods are safe on a nil
// receiver so components can run without metrics wired.
type Metrics struct {
	ordersCreated   prometheus.Counter
	ordersExecuted  prometheus.Counter
	ordersCancelled prometheus.Counter
	ordersErrored   prometheus.Counter
	bidsAccepted    prometheus.Counter
	bidsRejected    prometheus.Counter
	timeoutsFired   *prometheus.CounterVec
	chainEvents     *prometheus.CounterVec
	activeOrders    prometheus.Gauge

	mirror Mirror
	logger log.Logger
}

// New registers the counter set on the given registry.
func New(reg prometheus.Registerer, mirror Mirror, logger log.Logger) *Metrics {
	m := &Metrics{
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayer", Name: "orders_created_total",
			Help: "Orders accepted at intake.",
		}),
		ordersExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayer", Name: "orders_executed_total",
			Help: "Orders that completed both withdrawals.",
		}),
		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayer", Name: "orders_cancelled_total",
			Help: "Orders that were refunded after a timeout.",
		}),
		ordersErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayer", Name: "orders_errored_total",
			Help: "Orders parked in the error state.",
		}),
		bidsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayer", Name: "bids_accepted_total",
			Help: "Resolver bids that won an auction.",
		}),
		bidsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayer", Name: "bids_rejected_total",
			Help: "Resolver bids rejected against the current rate.",
		}),
		timeoutsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer", Name: "timeouts_fired_total",
			Help: "Deadline events fired, by kind.",
		}, []string{"kind"}),
		chainEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer", Name: "chain_events_total",
			Help: "Escrow events observed by the watchers, by chain and kind.",
		}, []string{"chain", "kind"}),
		activeOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayer", Name: "active_orders",
			Help: "Orders currently in a non-terminal state.",
		}),
		mirror: mirror,
		logger: logger,
	}
	reg.MustRegister(m.ordersCreated, m.ordersExecuted, m.ordersCancelled,
		m.ordersErrored, m.bidsAccepted, m.bidsRejected, m.timeoutsFired,
		m.chainEvents, m.activeOrders)
	return m
}

func (m *Metrics) persist(name string) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Incr(context.Background(), name, 1); err != nil && m.logger != nil {
		m.logger.Debug("metric mirror write failed", "metric", name, "err", err)
	}
}

func (m *Metrics) OrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
	m.activeOrders.Inc()
	m.persist("orders_created")
}

func (m *Metrics) OrderExecuted() {
	if m == nil {
		return
	}
	m.ordersExecuted.Inc()
	m.activeOrders.Dec()
	m.persist("orders_executed")
}

func (m *Metrics) OrderCancelled() {
	if m == nil {
		return
	}
	m.ordersCancelled.Inc()
	m.activeOrders.Dec()
	m.persist("orders_cancelled")
}

func (m *Metrics) OrderErrored() {
	if m == nil {
		return
	}
	m.ordersErrored.Inc()
	m.persist("orders_errored")
}

func (m *Metrics) BidAccepted() {
	if m == nil {
		return
	}
	m.bidsAccepted.Inc()
	m.persist("bids_accepted")
}

func (m *Metrics) BidRejected() {
	if m == nil {
		return
	}
	m.bidsRejected.Inc()
	m.persist("bids_rejected")
}

func (m *Metrics) TimeoutFired(kind string) {
	if m == nil {
		return
	}
	m.timeoutsFired.WithLabelValues(kind).Inc()
}

func (m *Metrics) ChainEvent(chain, kind string) {
	if m == nil {
		return
	}
	m.chainEvents.WithLabelValues(chain, kind).Inc()
}

// SetActiveOrders seeds the gauge from recovery.
func (m *Metrics) SetActiveOrders(n int) {
	if m == nil {
		return
	}
	m.activeOrders.Set(float64(n))
}
