package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "pm_spread_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type promObserver struct {
	hist prometheus.Histogram
}

func (p promObserver) Observe(v float64) {
	p.hist.Observe(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry

	ordersPlaced    prometheus.Counter
	ordersCancelled prometheus.Counter
	ordersFailed    prometheus.Counter
	fills           prometheus.Counter
	stopLossTrips   prometheus.Counter
	hedgeTrades     prometheus.Counter
	feedReconnects  prometheus.Counter
	redeemAttempts  prometheus.Counter
	redeemSuccesses prometheus.Counter

	netExposure   prometheus.Gauge
	totalValue    prometheus.Gauge
	inventorySkew prometheus.Gauge
	spreadBPS     prometheus.Gauge
	midPrice      prometheus.Gauge
	unrealized    prometheus.Gauge
	realized      prometheus.Gauge
	activeOrders  prometheus.Gauge

	cycleSeconds prometheus.Histogram
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}

	p := &Prometheus{
		registry:        registry,
		ordersPlaced:    counter("orders_placed_total", "Total number of orders placed."),
		ordersCancelled: counter("orders_cancelled_total", "Total number of orders cancelled."),
		ordersFailed:    counter("orders_failed_total", "Total number of order placement failures."),
		fills:           counter("fills_total", "Total number of observed fills."),
		stopLossTrips:   counter("stop_loss_trips_total", "Total number of stop loss activations."),
		hedgeTrades:     counter("hedge_trades_total", "Total number of hedge rebalance trades."),
		feedReconnects:  counter("feed_reconnects_total", "Total number of market feed reconnects."),
		redeemAttempts:  counter("redeem_attempts_total", "Total number of redemption attempts."),
		redeemSuccesses: counter("redeem_successes_total", "Total number of successful redemptions."),
		netExposure:     gauge("net_exposure_usd", "Current net inventory exposure in USD."),
		totalValue:      gauge("total_value_usd", "Current total position value in USD."),
		inventorySkew:   gauge("inventory_skew", "Current inventory skew in [-1, 1]."),
		spreadBPS:       gauge("quoted_spread_bps", "Spread of the last quote pair in basis points."),
		midPrice:        gauge("mid_price", "Last observed yes-token mid price."),
		unrealized:      gauge("unrealized_pnl_usd", "Mark-to-market P&L of open trades in USD."),
		realized:        gauge("realized_pnl_usd", "Realized net P&L in USD."),
		activeOrders:    gauge("active_orders", "Number of currently tracked live orders."),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "cycle_seconds",
			Help:      "Duration of one quoting cycle in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	registry.MustRegister(
		p.ordersPlaced, p.ordersCancelled, p.ordersFailed, p.fills,
		p.stopLossTrips, p.hedgeTrades, p.feedReconnects,
		p.redeemAttempts, p.redeemSuccesses,
		p.netExposure, p.totalValue, p.inventorySkew,
		p.spreadBPS, p.midPrice, p.unrealized, p.realized, p.activeOrders,
		p.cycleSeconds,
	)

	p.Metrics = &Metrics{
		OrdersPlaced:     promCounter{p.ordersPlaced},
		OrdersCancelled:  promCounter{p.ordersCancelled},
		OrdersFailed:     promCounter{p.ordersFailed},
		Fills:            promCounter{p.fills},
		StopLossTrips:    promCounter{p.stopLossTrips},
		HedgeTrades:      promCounter{p.hedgeTrades},
		FeedReconnects:   promCounter{p.feedReconnects},
		RedeemAttempts:   promCounter{p.redeemAttempts},
		RedeemSuccesses:  promCounter{p.redeemSuccesses},
		NetExposureUSD:   promGauge{p.netExposure},
		TotalValueUSD:    promGauge{p.totalValue},
		InventorySkew:    promGauge{p.inventorySkew},
		SpreadBPS:        promGauge{p.spreadBPS},
		MidPrice:         promGauge{p.midPrice},
		UnrealizedPnLUSD: promGauge{p.unrealized},
		RealizedPnLUSD:   promGauge{p.realized},
		ActiveOrders:     promGauge{p.activeOrders},
		CycleSeconds:     promObserver{p.cycleSeconds},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
