package app

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"pm-spread-bot/internal/alerts"
	"pm-spread-bot/internal/book"
	"pm-spread-bot/internal/config"
	"pm-spread-bot/internal/exec"
	"pm-spread-bot/internal/inventory"
	"pm-spread-bot/internal/lifecycle"
	"pm-spread-bot/internal/metrics"
	"pm-spread-bot/internal/pm/clob"
	"pm-spread-bot/internal/pm/gamma"
	"pm-spread-bot/internal/pricing"
	"pm-spread-bot/internal/risk"
	"pm-spread-bot/internal/state"
	"pm-spread-bot/internal/trades"
)

const (
	yesToken = "yes-token"
	noToken  = "no-token"
)

type fakeGateway struct {
	mu        sync.Mutex
	placed    []clob.OrderArgs
	placeErr  error
	nextID    int
	cancelled []string
	cancelAll int
	released  []string
}

func (f *fakeGateway) Place(_ context.Context, req exec.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextID++
	f.placed = append(f.placed, req.Args)
	return "order-" + strings.Repeat("x", f.nextID), nil
}

func (f *fakeGateway) PlacePair(ctx context.Context, yes, no exec.Request) (exec.Result, exec.Result) {
	yesID, yesErr := f.Place(ctx, yes)
	noID, noErr := f.Place(ctx, no)
	return exec.Result{OrderID: yesID, Err: yesErr}, exec.Result{OrderID: noID, Err: noErr}
}

func (f *fakeGateway) Cancel(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeGateway) CancelAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	return nil
}

func (f *fakeGateway) Release(_ context.Context, orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, orderID)
}

func (f *fakeGateway) placements() []clob.OrderArgs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]clob.OrderArgs(nil), f.placed...)
}

type fakeExchange struct {
	open       []clob.OpenOrder
	openErr    error
	positions  []clob.RedeemablePosition
	redeemed   []string
	redeemErrs map[string]error
}

func (f *fakeExchange) OpenOrders(_ context.Context) ([]clob.OpenOrder, error) {
	return f.open, f.openErr
}

func (f *fakeExchange) RedeemablePositions(_ context.Context) ([]clob.RedeemablePosition, error) {
	return f.positions, nil
}

func (f *fakeExchange) Redeem(_ context.Context, conditionID string, _ bool) error {
	if err := f.redeemErrs[conditionID]; err != nil {
		return err
	}
	f.redeemed = append(f.redeemed, conditionID)
	return nil
}

type fakeBooks struct {
	mu    sync.Mutex
	snaps map[string]book.Snapshot
}

func (f *fakeBooks) Snapshot(assetID string) (book.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[assetID]
	return s, ok
}

func (f *fakeBooks) Stats() book.Stats { return book.Stats{} }

func (f *fakeBooks) set(assetID string, s book.Snapshot) {
	f.mu.Lock()
	f.snaps[assetID] = s
	f.mu.Unlock()
}

type memStore struct {
	mu sync.Mutex
	kv map[string]string
}

func newMemStore() *memStore { return &memStore{kv: make(map[string]string)} }

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *memStore) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Market: config.MarketConfig{ID: "0xmarket"},
		Quoting: config.QuotingConfig{
			BaseSpreadBPS:       100,
			MinSpreadBPS:        10,
			MaxSpreadBPS:        500,
			TickSize:            0.001,
			RefreshInterval:     time.Second,
			OrderLifetime:       3 * time.Second,
			DefaultSizeUSD:      100,
			PriceToleranceBPS:   10,
			VolThreshold:        0.3,
			VolMaxMultiplier:    4,
			SkewSensitivity:     0.005,
			ErrBackoff:          2 * time.Second,
			ShutdownCancelGrace: 5 * time.Second,
		},
		Inventory: config.InventoryConfig{
			MaxExposureUSD: 10000,
			MinExposureUSD: -10000,
		},
		Risk: config.RiskConfig{
			MaxPositionSizeUSD: 5000,
			SkewLimit:          0.9,
			StopLossPct:        10,
			HedgeThreshold:     0.8,
		},
		Redeem: config.RedeemConfig{
			Enabled:      true,
			Interval:     time.Minute,
			ThresholdUSD: 1,
		},
	}
}

func testApp(t *testing.T) (*App, *fakeGateway, *fakeExchange, *fakeBooks) {
	t.Helper()
	cfg := testConfig()
	log := zap.NewNop()
	gateway := &fakeGateway{}
	exchange := &fakeExchange{}
	books := &fakeBooks{snaps: make(map[string]book.Snapshot)}
	ledger := inventory.New(cfg.Inventory, log)
	a := &App{
		cfg:      cfg,
		log:      log,
		store:    newMemStore(),
		books:    books,
		gateway:  gateway,
		exchange: exchange,
		ledger:   ledger,
		engine:   pricing.New(cfg.Quoting, ledger, log),
		guard:    risk.NewGuard(cfg.Risk, cfg.Inventory, ledger, log),
		stopLoss: risk.NewStopLoss(cfg.Risk.StopLossPct, log),
		orders:   lifecycle.New(cfg.Quoting, gateway, log),
		tracker:  trades.NewTracker(cfg.Market.ID, log),
		fills:    trades.NewFillTracker(),
		metrics:  metrics.NewNoop(),
		alerts:   alerts.NewTelegram(config.TelegramConfig{}, log),
		market: gamma.Market{
			ID:         "0xmarket",
			YesTokenID: yesToken,
			NoTokenID:  noToken,
			Active:     true,
		},
	}
	return a, gateway, exchange, books
}

func balancedSnapshot() book.Snapshot {
	return book.Snapshot{
		AssetID: yesToken,
		Bids: []book.Level{
			{Price: 0.49, Size: 100},
			{Price: 0.48, Size: 200},
		},
		Asks: []book.Level{
			{Price: 0.51, Size: 100},
			{Price: 0.52, Size: 200},
		},
		CapturedAt: time.Now(),
	}
}

func TestCyclePlacesBothLegs(t *testing.T) {
	a, gateway, _, books := testApp(t)
	books.set(yesToken, balancedSnapshot())

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	placed := gateway.placements()
	if len(placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(placed))
	}
	var yes, no *clob.OrderArgs
	for i := range placed {
		if placed[i].TokenID == yesToken {
			yes = &placed[i]
		} else {
			no = &placed[i]
		}
	}
	if yes == nil || no == nil {
		t.Fatalf("missing a leg: %+v", placed)
	}
	if yes.Side != clob.SideBuy || no.Side != clob.SideBuy {
		t.Fatalf("both legs must be buys: %+v %+v", yes, no)
	}
	if sum := yes.Price + no.Price; sum >= 1 {
		t.Fatalf("no edge: yes %.4f + no %.4f = %.4f", yes.Price, no.Price, sum)
	}
	if a.orders.ActiveCount() != 2 {
		t.Fatalf("active orders = %d, want 2", a.orders.ActiveCount())
	}
	// Entry prices are armed for the stop loss. The trade round stays
	// pending until both legs fill.
	if entries := a.stopLoss.Entries(); len(entries) != 2 {
		t.Fatalf("stop loss entries: %+v", entries)
	}
	if totals := a.tracker.Totals(); totals.OpenTrades != 0 {
		t.Fatalf("open trades = %d, want 0 before fills", totals.OpenTrades)
	}
}

func TestTradeRoundOpensWhenBothLegsFill(t *testing.T) {
	a, _, exchange, books := testApp(t)
	books.set(yesToken, balancedSnapshot())
	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	a.syncExchangeOpenOrders()
	for i := range exchange.open {
		exchange.open[i].SizeMatched = 30
	}

	a.observeFills(context.Background())
	if totals := a.tracker.Totals(); totals.OpenTrades != 1 {
		t.Fatalf("open trades = %d, want 1 after both legs fill", totals.OpenTrades)
	}
	pos := a.ledger.Snapshot()
	if pos.YesShares != 30 || pos.NoShares != 30 {
		t.Fatalf("position = %+v, want 30/30", pos)
	}
}

func TestCycleNoSnapshotNoOrders(t *testing.T) {
	a, gateway, _, _ := testApp(t)
	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(gateway.placements()) != 0 {
		t.Fatal("placed orders without a book snapshot")
	}
}

func TestCycleSkipsRefreshWhenQuotesFresh(t *testing.T) {
	a, gateway, _, books := testApp(t)
	books.set(yesToken, balancedSnapshot())
	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	first := len(gateway.placements())

	// Same mid, orders fresh: the second cycle must not requote. The open
	// set mirrors the placed orders so fills are not inferred.
	a.syncExchangeOpenOrders()
	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if got := len(gateway.placements()); got != first {
		t.Fatalf("requoted with fresh orders: %d -> %d", first, got)
	}
}

// syncExchangeOpenOrders mirrors the lifecycle's active orders into the
// fake exchange poll so observeFills sees them resting.
func (a *App) syncExchangeOpenOrders() {
	ex := a.exchange.(*fakeExchange)
	ex.open = ex.open[:0]
	for _, o := range a.orders.Active() {
		ex.open = append(ex.open, clob.OpenOrder{
			ID:           o.ID,
			TokenID:      o.TokenID,
			Side:         o.Side,
			Price:        o.Price,
			OriginalSize: o.Size,
		})
	}
}

func TestCycleStopLossUnwindsAndRearms(t *testing.T) {
	a, gateway, _, books := testApp(t)
	// Long 100 yes entered at 0.60; the book now marks yes at 0.50, a 16.7%
	// loss against a 10% threshold. One round is open from the entry fills.
	a.ledger.Restore(100, 0, 0.60)
	a.stopLoss.RecordEntry(risk.LegYes, 0.60)
	a.tracker.Expect("y1", "n1", 0.60, 0.35, 100, 100)
	a.tracker.ConfirmFill("y1")
	a.tracker.ConfirmFill("n1")
	books.set(yesToken, balancedSnapshot())

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if gateway.cancelAll != 1 {
		t.Fatalf("cancel-all count = %d, want 1", gateway.cancelAll)
	}
	// The losing inventory is flattened with a single FOK sell at the bid,
	// never re-quoted.
	placed := gateway.placements()
	if len(placed) != 1 {
		t.Fatalf("placed %d orders, want 1 unwind sell", len(placed))
	}
	sell := placed[0]
	if sell.Side != clob.SideSell || sell.TokenID != yesToken || sell.Size != 100 {
		t.Fatalf("unwind order = %+v", sell)
	}
	if sell.Type != clob.OrderTypeFOK {
		t.Fatalf("unwind order type = %s, want FOK", sell.Type)
	}
	pos := a.ledger.Snapshot()
	if pos.YesShares != 0 || pos.NoShares != 0 {
		t.Fatalf("position after unwind = %+v, want flat", pos)
	}
	// Flat position closes the round at the touch: yes (0.49-0.60)*100,
	// no (0.49-0.35)*100.
	totals := a.tracker.Totals()
	if totals.ClosedTrades != 1 || totals.OpenTrades != 0 {
		t.Fatalf("totals after unwind: %+v", totals)
	}
	if math.Abs(totals.NetPnL-3) > 1e-9 {
		t.Fatalf("net pnl = %f, want 3", totals.NetPnL)
	}
	// The latch re-arms once flat, entry prices cleared.
	if a.stopLoss.Triggered() {
		t.Fatal("stop loss still latched after flatten")
	}
	if entries := a.stopLoss.Entries(); len(entries) != 0 {
		t.Fatalf("entries after re-arm: %+v", entries)
	}
}

func TestCycleStopLossLatchHoldsWhileUnwindFails(t *testing.T) {
	a, gateway, _, books := testApp(t)
	a.ledger.Restore(100, 0, 0.60)
	a.stopLoss.RecordEntry(risk.LegYes, 0.60)
	books.set(yesToken, balancedSnapshot())
	gateway.placeErr = errors.New("no liquidity")

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !a.stopLoss.Triggered() {
		t.Fatal("stop loss not triggered")
	}

	// The sell missed: the latch holds, no quoting resumes, the unwind is
	// retried next cycle.
	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if !a.stopLoss.Triggered() {
		t.Fatal("latch released with inventory still held")
	}
	if len(gateway.placements()) != 0 {
		t.Fatalf("orders reached the book: %+v", gateway.placements())
	}
	if pos := a.ledger.Snapshot(); pos.YesShares != 100 {
		t.Fatalf("yes shares = %f, want 100 still held", pos.YesShares)
	}
}

func TestCycleSkipsStaleSnapshot(t *testing.T) {
	a, gateway, _, books := testApp(t)
	snap := balancedSnapshot()
	snap.CapturedAt = time.Now().Add(-10 * time.Second)
	books.set(yesToken, snap)

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(gateway.placements()) != 0 {
		t.Fatalf("quoted on a stale book: %+v", gateway.placements())
	}
}

func TestCycleSavesSession(t *testing.T) {
	a, _, _, books := testApp(t)
	books.set(yesToken, balancedSnapshot())
	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	snap, ok, err := state.LoadSession(context.Background(), a.store)
	if err != nil || !ok {
		t.Fatalf("session not saved: ok=%v err=%v", ok, err)
	}
	if snap.MarketID != "0xmarket" {
		t.Fatalf("session market = %q", snap.MarketID)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("session entries: %+v", snap.Entries)
	}
}

func TestObserveFillsUpdatesLedger(t *testing.T) {
	a, _, exchange, _ := testApp(t)
	a.setLastMid(0.50)
	a.orders.Track(lifecycle.ActiveOrder{
		ID: "o1", TokenID: yesToken, Side: clob.SideBuy, Price: 0.49, Size: 100,
	})
	exchange.open = []clob.OpenOrder{{
		ID:           "o1",
		TokenID:      yesToken,
		Side:         clob.SideBuy,
		Price:        0.49,
		OriginalSize: 100,
		SizeMatched:  30,
	}}

	a.observeFills(context.Background())
	pos := a.ledger.Snapshot()
	if pos.YesShares != 30 {
		t.Fatalf("yes shares = %f, want 30", pos.YesShares)
	}
	// 30% filled keeps the order resting.
	if a.orders.ActiveCount() != 1 {
		t.Fatalf("active orders = %d, want 1", a.orders.ActiveCount())
	}
}

func TestObserveFillsCancelsNearlyFilled(t *testing.T) {
	a, gateway, exchange, _ := testApp(t)
	a.setLastMid(0.50)
	a.orders.Track(lifecycle.ActiveOrder{
		ID: "o1", TokenID: yesToken, Side: clob.SideBuy, Price: 0.49, Size: 100,
	})
	exchange.open = []clob.OpenOrder{{
		ID:           "o1",
		TokenID:      yesToken,
		Side:         clob.SideBuy,
		Price:        0.49,
		OriginalSize: 100,
		SizeMatched:  90,
	}}

	a.observeFills(context.Background())
	if len(gateway.cancelled) != 1 || gateway.cancelled[0] != "o1" {
		t.Fatalf("cancelled = %v", gateway.cancelled)
	}
	if a.orders.ActiveCount() != 0 {
		t.Fatalf("active orders = %d, want 0", a.orders.ActiveCount())
	}
	// The idempotency record goes with the order.
	if len(gateway.released) != 1 || gateway.released[0] != "o1" {
		t.Fatalf("released = %v", gateway.released)
	}
}

func TestObserveFillsSettlesVanishedOrder(t *testing.T) {
	a, _, _, _ := testApp(t)
	a.setLastMid(0.50)
	// Placed long enough ago that absence from the poll means filled.
	a.orders.Track(lifecycle.ActiveOrder{
		ID: "o1", TokenID: noToken, Side: clob.SideBuy, Price: 0.48, Size: 50,
		PlacedAt: time.Now().Add(-10 * time.Second),
	})

	a.observeFills(context.Background())
	pos := a.ledger.Snapshot()
	if pos.NoShares != 50 {
		t.Fatalf("no shares = %f, want 50", pos.NoShares)
	}
	if a.orders.ActiveCount() != 0 {
		t.Fatalf("active orders = %d, want 0", a.orders.ActiveCount())
	}
}

func TestRedeemOnceHonorsThreshold(t *testing.T) {
	a, _, exchange, _ := testApp(t)
	exchange.positions = []clob.RedeemablePosition{
		{ConditionID: "c-small", ValueUSD: 0.5},
		{ConditionID: "c-big", ValueUSD: 25},
	}
	a.redeemOnce(context.Background())
	if len(exchange.redeemed) != 1 || exchange.redeemed[0] != "c-big" {
		t.Fatalf("redeemed = %v", exchange.redeemed)
	}
}

func TestRedeemFailureDoesNotAbortSweep(t *testing.T) {
	a, _, exchange, _ := testApp(t)
	exchange.positions = []clob.RedeemablePosition{
		{ConditionID: "c1", ValueUSD: 10},
		{ConditionID: "c2", ValueUSD: 10},
	}
	exchange.redeemErrs = map[string]error{"c1": errors.New("reverted")}
	a.redeemOnce(context.Background())
	if len(exchange.redeemed) != 1 || exchange.redeemed[0] != "c2" {
		t.Fatalf("redeemed = %v", exchange.redeemed)
	}
}

func TestSafeCycleRecoversPanic(t *testing.T) {
	a, _, _, _ := testApp(t)
	a.books = nil // forces a nil-pointer panic inside cycle
	err := a.safeCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "cycle panic") {
		t.Fatalf("err = %v", err)
	}
}
