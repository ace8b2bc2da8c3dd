// Package metrics exposes the exchange's prometheus instruments. Every helper
// is a no-op until Setup has run, so tests never need a registry.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exchange"

var (
	mu sync.RWMutex

	ordersPlaced        *prometheus.CounterVec
	ordersRejected      *prometheus.CounterVec
	ordersCanceled      *prometheus.CounterVec
	tradesTotal         *prometheus.CounterVec
	tradedQuantity      *prometheus.CounterVec
	placeOrderSeconds   prometheus.Histogram
	invariantViolations *prometheus.CounterVec
	priceRefreshes      *prometheus.CounterVec
	wsClients           *prometheus.GaugeVec

	gatherer prometheus.Gatherer
)

// Setup registers every instrument with reg. Calling it twice fails.
func Setup(reg *prometheus.Registry) error {
	mu.Lock()
	defer mu.Unlock()

	if gatherer != nil {
		return errors.New("metrics already set up")
	}

	placed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_placed_total",
		Help:      "Number of orders admitted",
	}, []string{"symbol", "side"})

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_rejected_total",
		Help:      "Number of orders rejected before admission",
	}, []string{"reason"})

	canceled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_canceled_total",
		Help:      "Number of orders canceled by their owner",
	}, []string{"symbol"})

	trades := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_total",
		Help:      "Number of trades executed",
	}, []string{"symbol"})

	quantity := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "traded_quantity_total",
		Help:      "Number of shares traded",
	}, []string{"symbol"})

	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "place_order_seconds",
		Help:      "Time spent admitting and matching one order",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invariant_violations_total",
		Help:      "Ledger invariant violations detected",
	}, []string{"source"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_refreshes_total",
		Help:      "Reference price refresh attempts",
	}, []string{"result"})

	clients := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected websocket clients",
	}, []string{"channel"})

	for _, c := range []prometheus.Collector{placed, rejected, canceled, trades, quantity, latency, violations, refreshes, clients} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	ordersPlaced = placed
	ordersRejected = rejected
	ordersCanceled = canceled
	tradesTotal = trades
	tradedQuantity = quantity
	placeOrderSeconds = latency
	invariantViolations = violations
	priceRefreshes = refreshes
	wsClients = clients
	gatherer = reg
	return nil
}

// Handler serves the registry given to Setup
func Handler() http.Handler {
	mu.RLock()
	defer mu.RUnlock()
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func OrderPlaced(symbol, side string) {
	mu.RLock()
	defer mu.RUnlock()
	if ordersPlaced == nil {
		return
	}
	ordersPlaced.WithLabelValues(symbol, side).Inc()
}

func OrderRejected(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if ordersRejected == nil {
		return
	}
	ordersRejected.WithLabelValues(reason).Inc()
}

func OrderCanceled(symbol string) {
	mu.RLock()
	defer mu.RUnlock()
	if ordersCanceled == nil {
		return
	}
	ordersCanceled.WithLabelValues(symbol).Inc()
}

// TradeExecuted counts one trade of qty shares
func TradeExecuted(symbol string, qty int64) {
	mu.RLock()
	defer mu.RUnlock()
	if tradesTotal == nil {
		return
	}
	tradesTotal.WithLabelValues(symbol).Inc()
	tradedQuantity.WithLabelValues(symbol).Add(float64(qty))
}

// PlaceOrderTimer is used to time an order. Call it, using defer, at the start
// of the function to be timed:
//
//	defer metrics.PlaceOrderTimer()()
func PlaceOrderTimer() func() {
	start := time.Now()
	return func() {
		mu.RLock()
		defer mu.RUnlock()
		if placeOrderSeconds == nil {
			return
		}
		placeOrderSeconds.Observe(time.Since(start).Seconds())
	}
}

func InvariantViolation(source string) {
	mu.RLock()
	defer mu.RUnlock()
	if invariantViolations == nil {
		return
	}
	invariantViolations.WithLabelValues(source).Inc()
}

func PriceRefresh(result string) {
	mu.RLock()
	defer mu.RUnlock()
	if priceRefreshes == nil {
		return
	}
	priceRefreshes.WithLabelValues(result).Inc()
}

func WebsocketClientsAdd(channel string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	if wsClients == nil {
		return
	}
	wsClients.WithLabelValues(channel).Add(float64(n))
}
