package risk

import (
	"math"

	"go.uber.org/zap"

	"pm-spread-bot/internal/config"
	"pm-spread-bot/internal/inventory"
	"pm-spread-bot/internal/pm/clob"
)

// Guard enforces per-order and portfolio limits before any quote reaches
// the exchange. It reads ledger state but never mutates it.
type Guard struct {
	cfg    config.RiskConfig
	maxExp float64
	minExp float64
	ledger *inventory.Ledger
	log    *zap.Logger
}

// Hedge is a recommendation to unwind part of the dominant side when skew
// has gone critical. It is advice for the quoting loop, not an order.
type Hedge struct {
	Leg        string // "yes" or "no"
	SellShares float64
}

func NewGuard(cfg config.RiskConfig, inv config.InventoryConfig, ledger *inventory.Ledger, log *zap.Logger) *Guard {
	return &Guard{
		cfg:    cfg,
		maxExp: inv.MaxExposureUSD,
		minExp: inv.MinExposureUSD,
		ledger: ledger,
		log:    log,
	}
}

// ValidateOrder simulates the order against position-size, exposure, and
// skew limits. The reason string names the first failed check.
func (g *Guard) ValidateOrder(side clob.Side, sizeUSD float64) (bool, string) {
	if sizeUSD > g.cfg.MaxPositionSizeUSD {
		g.log.Warn("order exceeds position size limit",
			zap.Float64("size_usd", sizeUSD),
			zap.Float64("limit_usd", g.cfg.MaxPositionSizeUSD),
		)
		return false, "position size exceeds limit"
	}
	exposure := g.ledger.Snapshot().NetExposureUSD
	switch side {
	case clob.SideBuy:
		if exposure+sizeUSD > g.maxExp {
			g.log.Warn("order would breach max exposure",
				zap.Float64("exposure_usd", exposure),
				zap.Float64("size_usd", sizeUSD),
			)
			return false, "exposure limit exceeded"
		}
	case clob.SideSell:
		if exposure-sizeUSD < g.minExp {
			g.log.Warn("order would breach min exposure",
				zap.Float64("exposure_usd", exposure),
				zap.Float64("size_usd", sizeUSD),
			)
			return false, "exposure limit exceeded"
		}
	}
	if skew := g.ledger.Skew(); math.Abs(skew) > g.cfg.SkewLimit {
		g.log.Warn("inventory skew over limit",
			zap.Float64("skew", skew),
			zap.Float64("limit", g.cfg.SkewLimit),
		)
		return false, "inventory skew too high"
	}
	return true, "OK"
}

// ShouldStopTrading is a soft throttle: true once exposure passes 90% of
// the max bound. Callers slow down but are not forced to unwind.
func (g *Guard) ShouldStopTrading() bool {
	exposure := math.Abs(g.ledger.Snapshot().NetExposureUSD)
	limit := math.Abs(g.maxExp) * 0.9
	if exposure > limit {
		g.log.Warn("near exposure limit",
			zap.Float64("exposure_usd", exposure),
			zap.Float64("max_usd", g.maxExp),
		)
		return true
	}
	return false
}

// HedgeRecommendation fires when |skew| passes the critical threshold:
// unwind half of the dominant side to pull the book back toward balance.
func (g *Guard) HedgeRecommendation() (Hedge, bool) {
	skew := g.ledger.Skew()
	if math.Abs(skew) <= g.cfg.HedgeThreshold {
		return Hedge{}, false
	}
	pos := g.ledger.Snapshot()
	var h Hedge
	if skew > 0 {
		h = Hedge{Leg: "yes", SellShares: pos.YesShares * 0.5}
	} else {
		h = Hedge{Leg: "no", SellShares: pos.NoShares * 0.5}
	}
	if h.SellShares <= 0 {
		return Hedge{}, false
	}
	g.log.Warn("critical skew, hedge recommended",
		zap.Float64("skew", skew),
		zap.String("leg", h.Leg),
		zap.Float64("sell_shares", h.SellShares),
	)
	return h, true
}
