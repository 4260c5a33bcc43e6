package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Observer interface {
	Observe(v float64)
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersCancelled  Counter
	OrdersFailed     Counter
	Fills            Counter
	StopLossTrips    Counter
	HedgeTrades      Counter
	FeedReconnects   Counter
	RedeemAttempts   Counter
	RedeemSuccesses  Counter
	NetExposureUSD   Gauge
	TotalValueUSD    Gauge
	InventorySkew    Gauge
	SpreadBPS        Gauge
	MidPrice         Gauge
	UnrealizedPnLUSD Gauge
	RealizedPnLUSD   Gauge
	ActiveOrders     Gauge
	CycleSeconds     Observer
}

type noop struct{}

func (noop) Inc()            {}
func (noop) Set(float64)     {}
func (noop) Observe(float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		OrdersPlaced:     n,
		OrdersCancelled:  n,
		OrdersFailed:     n,
		Fills:            n,
		StopLossTrips:    n,
		HedgeTrades:      n,
		FeedReconnects:   n,
		RedeemAttempts:   n,
		RedeemSuccesses:  n,
		NetExposureUSD:   n,
		TotalValueUSD:    n,
		InventorySkew:    n,
		SpreadBPS:        n,
		MidPrice:         n,
		UnrealizedPnLUSD: n,
		RealizedPnLUSD:   n,
		ActiveOrders:     n,
		CycleSeconds:     n,
	}
}
