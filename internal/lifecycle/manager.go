package lifecycle

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"pm-spread-bot/internal/config"
	"pm-spread-bot/internal/pm/clob"
	"pm-spread-bot/internal/pricing"
)

const (
	// Resting orders are refreshed after this long even if price is still.
	staleAfter = 2 * time.Second

	// A spread narrower than this is a pricing defect, not a real quote.
	minRealisticSpreadBPS = 1.0

	// Partial-fill replacement orders never shrink below this size.
	minResidualSize = 10.0
)

// ActiveOrder is one resting order the manager knows about. The manager's
// map is the only authoritative record of what is resting on the exchange.
type ActiveOrder struct {
	ID        string
	TokenID   string
	Side      clob.Side
	Price     float64
	Size      float64
	PlacedAt  time.Time
	ExpiresAt time.Time
}

// FillDecision is the outcome of partial-fill handling for one order.
type FillDecision struct {
	Cancel        bool
	RemainingSize float64
}

// Canceller is the slice of the order gateway Shutdown needs.
type Canceller interface {
	CancelAll(ctx context.Context) error
}

// Manager owns the active-order map and every quote-lifecycle decision:
// when to refresh, what a partial fill means, which orders expired, and how
// candidate quotes diff against what is already resting.
type Manager struct {
	lifetime     time.Duration
	toleranceBPS float64
	gateway      Canceller
	log          *zap.Logger

	mu          sync.Mutex
	orders      map[string]ActiveOrder
	lastRefresh time.Time

	now func() time.Time
}

func New(cfg config.QuotingConfig, gateway Canceller, log *zap.Logger) *Manager {
	return &Manager{
		lifetime:     cfg.OrderLifetime,
		toleranceBPS: cfg.PriceToleranceBPS,
		gateway:      gateway,
		log:          log,
		orders:       make(map[string]ActiveOrder),
		now:          time.Now,
	}
}

// Track records a successfully placed order and stamps its expiry.
func (m *Manager) Track(order ActiveOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.PlacedAt.IsZero() {
		order.PlacedAt = m.now()
	}
	order.ExpiresAt = order.PlacedAt.Add(m.lifetime)
	m.orders[order.ID] = order
	m.lastRefresh = m.now()
}

// Forget drops an order after it was cancelled or fully filled.
func (m *Manager) Forget(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderID)
}

func (m *Manager) Active() []ActiveOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// ShouldRefresh decides whether resting quotes need a cancel/replace pass:
// price moved past the tolerance, or the orders have been resting longer
// than the staleness bound. With nothing resting there is nothing to
// refresh; the quoting loop places fresh quotes regardless.
func (m *Manager) ShouldRefresh(curMid, lastMid float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.orders) == 0 {
		return false
	}
	if lastMid > 0 {
		moveBPS := math.Abs(curMid-lastMid) / lastMid * 10000
		if moveBPS > m.toleranceBPS {
			return true
		}
	}
	return m.now().Sub(m.lastRefresh) > staleAfter
}

// CheckAntiCrossing rejects quote pairs that cross or are unrealistically
// tight. Such pairs indicate a pricing defect and must never reach the
// gateway.
func (m *Manager) CheckAntiCrossing(bid, ask float64) (bool, string) {
	if bid >= ask {
		return false, "bid at or above ask"
	}
	spreadBPS := (ask - bid) / ((bid + ask) / 2) * 10000
	if spreadBPS < minRealisticSpreadBPS {
		return false, "spread below realistic minimum"
	}
	return true, "OK"
}

// HandlePartialFill applies the fill-ratio policy: under 20% leave the
// order resting; 20-80% keep it but floor any replacement size; over 80%
// treat as filled and cancel the remainder. Unknown orders are cancelled.
func (m *Manager) HandlePartialFill(orderID string, filled, total float64) FillDecision {
	m.mu.Lock()
	_, known := m.orders[orderID]
	m.mu.Unlock()
	if !known || total <= 0 {
		return FillDecision{Cancel: true}
	}
	ratio := filled / total
	switch {
	case ratio < 0.2:
		return FillDecision{Cancel: false, RemainingSize: total}
	case ratio <= 0.8:
		remaining := math.Max(minResidualSize, total-filled)
		m.log.Info("partial fill",
			zap.String("order_id", orderID),
			zap.Float64("fill_ratio", ratio),
			zap.Float64("remaining", remaining),
		)
		return FillDecision{Cancel: false, RemainingSize: remaining}
	default:
		m.log.Info("order mostly filled, cancelling remainder",
			zap.String("order_id", orderID),
		)
		return FillDecision{Cancel: true}
	}
}

// Expired returns orders past their lifetime. They are cancelled
// unconditionally on the next pass, independent of price movement.
func (m *Manager) Expired() []ActiveOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []ActiveOrder
	for _, o := range m.orders {
		if now.After(o.ExpiresAt) {
			out = append(out, o)
		}
	}
	return out
}

// Reconcile diffs candidate quotes against resting orders. A resting order
// survives only if a candidate wants the same token at the same tick;
// everything else is cancelled, and unmatched candidates are placed.
func (m *Manager) Reconcile(quotes []pricing.Quote) (toCancel []ActiveOrder, toPlace []pricing.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make(map[int]bool, len(quotes))
	for _, order := range m.orders {
		keep := false
		for i, q := range quotes {
			if matched[i] {
				continue
			}
			if q.TokenID == order.TokenID && q.Side == order.Side && math.Abs(q.Price-order.Price) < 1e-9 {
				matched[i] = true
				keep = true
				break
			}
		}
		if !keep {
			toCancel = append(toCancel, order)
		}
	}
	for i, q := range quotes {
		if !matched[i] {
			toPlace = append(toPlace, q)
		}
	}
	return toCancel, toPlace
}

// Shutdown issues a best-effort cancel of everything resting and clears
// the map. Errors are logged, not returned up: shutdown keeps going.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	count := len(m.orders)
	m.orders = make(map[string]ActiveOrder)
	m.mu.Unlock()

	if err := m.gateway.CancelAll(ctx); err != nil {
		m.log.Warn("cancel-all on shutdown failed", zap.Error(err), zap.Int("known_orders", count))
		return
	}
	m.log.Info("cancelled resting orders on shutdown", zap.Int("known_orders", count))
}
