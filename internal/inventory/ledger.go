package inventory

import (
	"sync"

	"go.uber.org/zap"

	"pm-spread-bot/internal/config"
)

// Ledger tracks the bot's position in both outcome tokens and the resulting
// net exposure. Exposure is recomputed from the full position on every update
// so an error in one fill report cannot compound across cycles.
type Ledger struct {
	mu sync.Mutex

	yesShares float64
	noShares  float64

	netExposureUSD float64
	totalValueUSD  float64

	maxExposureUSD float64
	minExposureUSD float64
	targetExposure float64

	log *zap.Logger
}

// Position is a read snapshot of the ledger.
type Position struct {
	YesShares      float64
	NoShares       float64
	NetExposureUSD float64
	TotalValueUSD  float64
}

func New(cfg config.InventoryConfig, log *zap.Logger) *Ledger {
	return &Ledger{
		maxExposureUSD: cfg.MaxExposureUSD,
		minExposureUSD: cfg.MinExposureUSD,
		targetExposure: cfg.TargetBalance,
		log:            log,
	}
}

// Update applies share deltas from fills and recomputes exposure at the
// given yes reference price. Net exposure is the dollar amount lost if the
// market resolves against the heavier side: yes value minus no value.
func (l *Ledger) Update(yesDelta, noDelta, refPrice float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.yesShares += yesDelta
	l.noShares += noDelta
	l.recompute(refPrice)
	l.log.Debug("inventory updated",
		zap.Float64("yes_shares", l.yesShares),
		zap.Float64("no_shares", l.noShares),
		zap.Float64("net_exposure_usd", l.netExposureUSD),
	)
}

// Restore replaces the position outright, used when loading a persisted
// session at startup.
func (l *Ledger) Restore(yesShares, noShares, refPrice float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.yesShares = yesShares
	l.noShares = noShares
	l.recompute(refPrice)
}

// Reprice refreshes exposure at a new reference price without touching
// share counts.
func (l *Ledger) Reprice(refPrice float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recompute(refPrice)
}

func (l *Ledger) recompute(refPrice float64) {
	if refPrice <= 0 || refPrice >= 1 {
		return
	}
	yesValue := l.yesShares * refPrice
	noValue := l.noShares * (1 - refPrice)
	l.netExposureUSD = yesValue - noValue
	l.totalValueUSD = yesValue + noValue
}

func (l *Ledger) Snapshot() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Position{
		YesShares:      l.yesShares,
		NoShares:       l.noShares,
		NetExposureUSD: l.netExposureUSD,
		TotalValueUSD:  l.totalValueUSD,
	}
}

// Skew reports how lopsided the book is: net over total value in [-1, 1].
// +1 is all yes, -1 all no, 0 balanced or flat.
func (l *Ledger) Skew() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.totalValueUSD <= 0 {
		return 0
	}
	return clamp(l.netExposureUSD/l.totalValueUSD, -1, 1)
}

// QuoteSizeYes sizes the yes bid. Zero when filling it would push net
// exposure past the max bound; halved when exposure already sits above
// target, so quoting leans the book back toward balance.
func (l *Ledger) QuoteSizeYes(baseShares, price float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := baseShares * price
	if l.netExposureUSD+added > l.maxExposureUSD {
		return 0
	}
	if l.netExposureUSD > l.targetExposure {
		return baseShares / 2
	}
	return baseShares
}

// QuoteSizeNo mirrors QuoteSizeYes against the min bound: a no fill moves
// net exposure down by shares times the no price.
func (l *Ledger) QuoteSizeNo(baseShares, price float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := baseShares * (1 - price)
	if l.netExposureUSD-removed < l.minExposureUSD {
		return 0
	}
	if l.netExposureUSD < l.targetExposure {
		return baseShares / 2
	}
	return baseShares
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
