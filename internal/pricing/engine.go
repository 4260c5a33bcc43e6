package pricing

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"pm-spread-bot/internal/book"
	"pm-spread-bot/internal/config"
	"pm-spread-bot/internal/inventory"
	"pm-spread-bot/internal/pm/clob"
)

const (
	priceFloor = 0.001
	priceCap   = 0.999

	imbalanceDepth = 5
	historyLimit   = 100
)

// Context is the per-cycle input to quote computation. Built fresh each
// cycle and never mutated afterwards.
type Context struct {
	MarketID   string
	Mid        float64
	Volatility float64
	Imbalance  float64
	BestBid    float64
	BestAsk    float64
	SpreadBPS  int
	Skew       float64
}

// Quote is one leg of a two-sided round. Both legs are always buys: the bot
// acquires yes and no, never shorts either.
type Quote struct {
	TokenID     string
	Side        clob.Side
	Price       float64
	Size        float64
	DistanceBPS float64
}

// Engine turns a book snapshot plus ledger state into a two-leg quote pair.
// It keeps a bounded mid-price history to estimate volatility internally.
type Engine struct {
	cfg    config.QuotingConfig
	ledger *inventory.Ledger
	rng    *rand.Rand
	log    *zap.Logger

	mu      sync.Mutex
	midHist []float64
}

func New(cfg config.QuotingConfig, ledger *inventory.Ledger, log *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		ledger: ledger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		log:    log,
	}
}

// BuildContext derives the pricing inputs for one cycle from the current
// yes-token book. The no leg's fair value is complementary (1 - yes mid),
// so only the yes book is needed.
func (e *Engine) BuildContext(marketID string, snap book.Snapshot) (Context, bool) {
	mid := snap.DepthWeightedMid(imbalanceDepth)
	if mid <= 0 || mid >= 1 {
		return Context{}, false
	}
	return Context{
		MarketID:   marketID,
		Mid:        mid,
		Volatility: e.observeMid(mid),
		Imbalance:  snap.Imbalance(imbalanceDepth),
		BestBid:    snap.BestBid(),
		BestAsk:    snap.BestAsk(),
		SpreadBPS:  snap.SpreadBPS(),
		Skew:       e.ledger.Skew(),
	}, true
}

// observeMid records the mid and returns the refreshed volatility estimate:
// stddev of simple returns over the bounded history, scaled by 100 and
// clamped to [0, 1].
func (e *Engine) observeMid(mid float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.midHist = append(e.midHist, mid)
	if len(e.midHist) > historyLimit {
		e.midHist = e.midHist[1:]
	}
	if len(e.midHist) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(e.midHist)-1)
	for i := 1; i < len(e.midHist); i++ {
		returns = append(returns, (e.midHist[i]-e.midHist[i-1])/e.midHist[i-1])
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return clamp(math.Sqrt(variance)*100, 0, 1)
}

// DynamicSpreadBPS widens the base spread through three stages applied in
// fixed order: volatility, book imbalance, inventory skew. The result is
// clamped to the configured [min, max] band.
func (e *Engine) DynamicSpreadBPS(ctx Context) int {
	spread := e.cfg.BaseSpreadBPS

	if ctx.Volatility > e.cfg.VolThreshold {
		multiplier := 1 + ctx.Volatility*ctx.Volatility*e.cfg.VolMaxMultiplier
		spread = int(float64(spread) * multiplier)
	}
	if math.Abs(ctx.Imbalance) > 0.3 {
		floor := int(math.Abs(ctx.Imbalance) * 100)
		if floor > spread {
			spread = floor
		}
	}
	if math.Abs(ctx.Skew) > 0.6 {
		spread = int(float64(spread) * (1 + math.Abs(ctx.Skew)*0.5))
	}

	if spread < e.cfg.MinSpreadBPS {
		spread = e.cfg.MinSpreadBPS
	}
	if spread > e.cfg.MaxSpreadBPS {
		spread = e.cfg.MaxSpreadBPS
	}
	return spread
}

// ComputeQuotes produces the yes and no legs for one cycle, or nil legs
// when no profitable quote exists. Prices are computed in yes-space
// (bid/ask around the yes mid); the no leg buys the complement token at
// 1 - ask, so the pair's combined cost stays strictly under 1.
func (e *Engine) ComputeQuotes(ctx Context, yesTokenID, noTokenID string) (*Quote, *Quote) {
	tick := e.cfg.TickSize
	spreadBPS := e.DynamicSpreadBPS(ctx)
	half := float64(spreadBPS) / 10000 / 2

	bid := ctx.Mid - half
	ask := ctx.Mid + half

	// Mirroring: step one tick toward the market's best quotes for queue
	// priority, then jitter both legs by up to half a tick so resting
	// orders are not trivially pingable.
	bid = math.Max(bid-tick, priceFloor)
	ask = math.Min(ask+tick, priceCap)
	jitter := (e.rng.Float64() - 0.5) * tick
	bid += jitter
	ask += jitter

	// Inventory skew shift: excess yes lowers the yes bid and raises the
	// no bid, steering fills toward the lighter side. The shift applies in
	// each leg's own price space so both moves point the same way.
	adjustment := ctx.Skew * e.cfg.SkewSensitivity
	yesPrice := e.roundTick(clamp(bid-adjustment, priceFloor, priceCap))
	noPrice := e.roundTick(clamp(1-ask+adjustment, priceFloor, priceCap))

	// Edge guard: combined cost must stay under 1 by at least one tick.
	// Walk both legs down rather than ever quoting negative edge.
	for yesPrice+noPrice >= 1-tick {
		yesPrice -= tick
		noPrice -= tick
		if yesPrice < priceFloor || noPrice < priceFloor {
			e.log.Warn("no profitable quote available",
				zap.Float64("mid", ctx.Mid),
				zap.Int("spread_bps", spreadBPS),
			)
			return nil, nil
		}
	}
	yesPrice = e.roundTick(yesPrice)
	noPrice = e.roundTick(noPrice)

	yesShares := e.ledger.QuoteSizeYes(e.cfg.DefaultSizeUSD/yesPrice, yesPrice)
	noShares := e.ledger.QuoteSizeNo(e.cfg.DefaultSizeUSD/noPrice, 1-noPrice)

	var yes, no *Quote
	if yesShares > 0 {
		yes = &Quote{
			TokenID:     yesTokenID,
			Side:        clob.SideBuy,
			Price:       yesPrice,
			Size:        yesShares,
			DistanceBPS: distanceBPS(yesPrice, ctx.Mid),
		}
	}
	if noShares > 0 {
		no = &Quote{
			TokenID:     noTokenID,
			Side:        clob.SideBuy,
			Price:       noPrice,
			Size:        noShares,
			DistanceBPS: distanceBPS(noPrice, 1-ctx.Mid),
		}
	}
	if yes != nil && no != nil {
		e.log.Debug("quotes computed",
			zap.Float64("yes_price", yes.Price),
			zap.Float64("no_price", no.Price),
			zap.Float64("edge", 1-(yes.Price+no.Price)),
			zap.Int("spread_bps", spreadBPS),
		)
	}
	return yes, no
}

func (e *Engine) roundTick(price float64) float64 {
	tick := e.cfg.TickSize
	return math.Round(price/tick) * tick
}

func distanceBPS(price, ref float64) float64 {
	if ref <= 0 {
		return 0
	}
	return math.Abs(price-ref) / ref * 10000
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
