package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersCancelled.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.Fills.Inc()
	prom.Metrics.StopLossTrips.Inc()
	prom.Metrics.HedgeTrades.Inc()
	prom.Metrics.FeedReconnects.Inc()
	prom.Metrics.RedeemAttempts.Inc()
	prom.Metrics.RedeemSuccesses.Inc()

	assertValue(t, prom.ordersPlaced, 1)
	assertValue(t, prom.ordersCancelled, 1)
	assertValue(t, prom.ordersFailed, 1)
	assertValue(t, prom.fills, 1)
	assertValue(t, prom.stopLossTrips, 1)
	assertValue(t, prom.hedgeTrades, 1)
	assertValue(t, prom.feedReconnects, 1)
	assertValue(t, prom.redeemAttempts, 1)
	assertValue(t, prom.redeemSuccesses, 1)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.NetExposureUSD.Set(-42.5)
	prom.Metrics.InventorySkew.Set(0.31)
	prom.Metrics.SpreadBPS.Set(120)
	prom.Metrics.ActiveOrders.Set(2)

	assertValue(t, prom.netExposure, -42.5)
	assertValue(t, prom.inventorySkew, 0.31)
	assertValue(t, prom.spreadBPS, 120)
	assertValue(t, prom.activeOrders, 2)
}

func assertValue(t *testing.T, c prometheus.Collector, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(c); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
