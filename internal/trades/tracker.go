package trades

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Record is one paired yes/no round: both entry legs, and exit legs plus
// P&L once the position is unwound. P&L fields are written exactly once,
// at close.
type Record struct {
	ID         string `msgpack:"id"`
	YesOrderID string `msgpack:"yes_order_id"`
	NoOrderID  string `msgpack:"no_order_id"`

	YesEntryPrice float64   `msgpack:"yes_entry_price"`
	NoEntryPrice  float64   `msgpack:"no_entry_price"`
	YesSize       float64   `msgpack:"yes_size"`
	NoSize        float64   `msgpack:"no_size"`
	EnteredAt     time.Time `msgpack:"entered_at"`

	YesExitPrice float64   `msgpack:"yes_exit_price"`
	NoExitPrice  float64   `msgpack:"no_exit_price"`
	ExitedAt     time.Time `msgpack:"exited_at"`

	GrossPnL float64 `msgpack:"gross_pnl"`
	Fees     float64 `msgpack:"fees"`
	NetPnL   float64 `msgpack:"net_pnl"`
	Closed   bool    `msgpack:"closed"`
}

// markPnL is the record's mark-to-market P&L at the given yes price: both
// legs valued against their entries, the no leg at the complement price.
func (r Record) markPnL(curYesPrice float64) float64 {
	yesPnL := (curYesPrice - r.YesEntryPrice) * r.YesSize
	noPnL := ((1 - curYesPrice) - r.NoEntryPrice) * r.NoSize
	return yesPnL + noPnL
}

// Totals aggregates realized results across closed trades.
type Totals struct {
	GrossPnL     float64
	Fees         float64
	NetPnL       float64
	ClosedTrades int
	OpenTrades   int
	WinRate      float64 // percent of closed trades with positive net P&L
}

// pendingRound is a placed quote pair whose legs have not both filled yet.
// Only a pair with fills on both sides becomes a Record.
type pendingRound struct {
	yesOrderID string
	noOrderID  string
	yesPrice   float64
	noPrice    float64
	yesSize    float64
	noSize     float64
	yesFilled  bool
	noFilled   bool
}

// Tracker records every paired round for one market and aggregates P&L.
type Tracker struct {
	marketID string
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingRound // both order ids point at the round
	trades  map[string]*Record
	totals  Totals
	wins    int
}

func NewTracker(marketID string, log *zap.Logger) *Tracker {
	return &Tracker{
		marketID: marketID,
		log:      log,
		pending:  make(map[string]*pendingRound),
		trades:   make(map[string]*Record),
	}
}

// Expect registers a placed quote pair. The round is not open yet: both
// legs have to report a fill first.
func (t *Tracker) Expect(yesOrderID, noOrderID string, yesPrice, noPrice, yesSize, noSize float64) {
	round := &pendingRound{
		yesOrderID: yesOrderID,
		noOrderID:  noOrderID,
		yesPrice:   yesPrice,
		noPrice:    noPrice,
		yesSize:    yesSize,
		noSize:     noSize,
	}
	t.mu.Lock()
	t.pending[yesOrderID] = round
	t.pending[noOrderID] = round
	t.mu.Unlock()
}

// ConfirmFill marks one leg of a pending pair as filled. The second leg's
// confirmation opens the round.
func (t *Tracker) ConfirmFill(orderID string) {
	t.mu.Lock()
	round, ok := t.pending[orderID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if orderID == round.yesOrderID {
		round.yesFilled = true
	}
	if orderID == round.noOrderID {
		round.noFilled = true
	}
	if !round.yesFilled || !round.noFilled {
		t.mu.Unlock()
		return
	}
	delete(t.pending, round.yesOrderID)
	delete(t.pending, round.noOrderID)
	rec := &Record{
		ID:            uuid.NewString(),
		YesOrderID:    round.yesOrderID,
		NoOrderID:     round.noOrderID,
		YesEntryPrice: round.yesPrice,
		NoEntryPrice:  round.noPrice,
		YesSize:       round.yesSize,
		NoSize:        round.noSize,
		EnteredAt:     time.Now().UTC(),
	}
	t.trades[rec.ID] = rec
	t.totals.OpenTrades++
	t.mu.Unlock()
	t.log.Info("trade opened",
		zap.String("trade_id", rec.ID),
		zap.Float64("yes_price", rec.YesEntryPrice),
		zap.Float64("no_price", rec.NoEntryPrice),
		zap.Float64("edge", 1-(rec.YesEntryPrice+rec.NoEntryPrice)),
	)
}

// Abandon drops the pending pair an order belonged to, used when a leg is
// cancelled before it ever filled. Position from the other leg, if any,
// stays in the ledger; only the round bookkeeping is discarded.
func (t *Tracker) Abandon(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	round, ok := t.pending[orderID]
	if !ok {
		return
	}
	delete(t.pending, round.yesOrderID)
	delete(t.pending, round.noOrderID)
}

// Close settles a round at the given exit prices. Closing an unknown or
// already-closed trade is a no-op returning false.
func (t *Tracker) Close(tradeID string, yesExit, noExit, fees float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.trades[tradeID]
	if !ok || rec.Closed {
		return false
	}
	rec.YesExitPrice = yesExit
	rec.NoExitPrice = noExit
	rec.ExitedAt = time.Now().UTC()
	rec.GrossPnL = (yesExit-rec.YesEntryPrice)*rec.YesSize + (noExit-rec.NoEntryPrice)*rec.NoSize
	rec.Fees = fees
	rec.NetPnL = rec.GrossPnL - fees
	rec.Closed = true

	t.totals.GrossPnL += rec.GrossPnL
	t.totals.Fees += fees
	t.totals.NetPnL += rec.NetPnL
	t.totals.ClosedTrades++
	t.totals.OpenTrades--
	if rec.NetPnL > 0 {
		t.wins++
	}
	t.log.Info("trade closed",
		zap.String("trade_id", tradeID),
		zap.Float64("net_pnl", rec.NetPnL),
	)
	return true
}

// CloseAll settles every open round at the given exit prices, used when
// the whole position has been unwound. Returns how many rounds closed.
func (t *Tracker) CloseAll(yesExit, noExit, fees float64) int {
	t.mu.Lock()
	var ids []string
	for id, rec := range t.trades {
		if !rec.Closed {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	closed := 0
	for _, id := range ids {
		if t.Close(id, yesExit, noExit, fees) {
			closed++
		}
	}
	return closed
}

// UnrealizedPnL marks every open round against the current yes price.
func (t *Tracker) UnrealizedPnL(curYesPrice float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, rec := range t.trades {
		if !rec.Closed {
			total += rec.markPnL(curYesPrice)
		}
	}
	return total
}

func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.totals
	if out.ClosedTrades > 0 {
		out.WinRate = float64(t.wins) / float64(out.ClosedTrades) * 100
	}
	return out
}

// Records returns copies of every known trade, for persistence.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.trades))
	for _, rec := range t.trades {
		out = append(out, *rec)
	}
	return out
}

// Restore reloads persisted trades at startup, rebuilding the aggregates.
func (t *Tracker) Restore(records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		copied := rec
		t.trades[rec.ID] = &copied
		if rec.Closed {
			t.totals.GrossPnL += rec.GrossPnL
			t.totals.Fees += rec.Fees
			t.totals.NetPnL += rec.NetPnL
			t.totals.ClosedTrades++
			if rec.NetPnL > 0 {
				t.wins++
			}
		} else {
			t.totals.OpenTrades++
		}
	}
}
