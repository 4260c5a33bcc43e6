package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pm-spread-bot/internal/alerts"
	"pm-spread-bot/internal/book"
	"pm-spread-bot/internal/config"
	"pm-spread-bot/internal/exec"
	"pm-spread-bot/internal/inventory"
	"pm-spread-bot/internal/lifecycle"
	"pm-spread-bot/internal/metrics"
	"pm-spread-bot/internal/pm/clob"
	"pm-spread-bot/internal/pm/gamma"
	"pm-spread-bot/internal/pm/ws"
	"pm-spread-bot/internal/pricing"
	"pm-spread-bot/internal/risk"
	"pm-spread-bot/internal/state"
	"pm-spread-bot/internal/state/sqlite"
	"pm-spread-bot/internal/timescale"
	"pm-spread-bot/internal/trades"
)

// orderGateway is the execution surface the loop drives.
type orderGateway interface {
	Place(ctx context.Context, req exec.Request) (string, error)
	PlacePair(ctx context.Context, yes, no exec.Request) (exec.Result, exec.Result)
	Cancel(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) error
	Release(ctx context.Context, orderID string)
}

// exchangeInfo is the read side of the exchange plus redemption.
type exchangeInfo interface {
	OpenOrders(ctx context.Context) ([]clob.OpenOrder, error)
	RedeemablePositions(ctx context.Context) ([]clob.RedeemablePosition, error)
	Redeem(ctx context.Context, conditionID string, negRisk bool) error
}

// bookSource is the slice of the market feed the loop reads.
type bookSource interface {
	Snapshot(assetID string) (book.Snapshot, bool)
	Stats() book.Stats
}

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	clob     *clob.Client
	gamma    *gamma.Client
	feed     *book.Feed
	books    bookSource
	gateway  orderGateway
	exchange exchangeInfo
	ledger   *inventory.Ledger
	engine   *pricing.Engine
	guard    *risk.Guard
	stopLoss *risk.StopLoss
	orders   *lifecycle.Manager
	tracker  *trades.Tracker
	fills    *trades.FillTracker
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus
	recorder *timescale.Writer
	alerts   *alerts.Telegram

	needCreds bool
	market    gamma.Market

	mu             sync.Mutex
	lastMid        float64
	seenReconnects uint64
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	privateKey := strings.TrimSpace(os.Getenv("PM_PRIVATE_KEY"))
	if privateKey == "" {
		return nil, errors.New("PM_PRIVATE_KEY is required")
	}
	signer, err := clob.NewSigner(privateKey, cfg.CLOB.ChainID)
	if err != nil {
		return nil, err
	}
	clobClient := clob.NewClient(cfg.CLOB, signer, log)
	needCreds := true
	apiKey := strings.TrimSpace(os.Getenv("PM_API_KEY"))
	apiSecret := strings.TrimSpace(os.Getenv("PM_API_SECRET"))
	apiPassphrase := strings.TrimSpace(os.Getenv("PM_API_PASSPHRASE"))
	if apiKey != "" && apiSecret != "" && apiPassphrase != "" {
		clobClient.SetCredentials(clob.Credentials{Key: apiKey, Secret: apiSecret, Passphrase: apiPassphrase})
		needCreds = false
	}

	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	wsClient := ws.New(cfg.WS.URL, cfg.WS.ConnectBackoff, cfg.WS.ReconnectWait, cfg.WS.ReadTimeout, cfg.WS.PingInterval, log)
	feed := book.NewFeed(wsClient, log)

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	recorder, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ledger := inventory.New(cfg.Inventory, log)
	executor := exec.New(clobClient, store, log)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		clob:      clobClient,
		gamma:     gamma.NewClient(cfg.Gamma),
		feed:      feed,
		books:     feed,
		gateway:   executor,
		exchange:  clobClient,
		ledger:    ledger,
		engine:    pricing.New(cfg.Quoting, ledger, log),
		guard:     risk.NewGuard(cfg.Risk, cfg.Inventory, ledger, log),
		stopLoss:  risk.NewStopLoss(cfg.Risk.StopLossPct, log),
		orders:    lifecycle.New(cfg.Quoting, clobClient, log),
		tracker:   trades.NewTracker(cfg.Market.ID, log),
		fills:     trades.NewFillTracker(),
		metrics:   m,
		prom:      prom,
		recorder:  recorder,
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		needCreds: needCreds,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if a.needCreds {
		if err := a.clob.DeriveCredentials(ctx); err != nil {
			return fmt.Errorf("derive credentials: %w", err)
		}
	}

	market, err := a.gamma.Market(ctx, a.cfg.Market.ID)
	if err != nil {
		return err
	}
	if market.Closed {
		return fmt.Errorf("%w: %s", gamma.ErrMarketClosed, market.ID)
	}
	a.market = market
	if market.TickSize > 0 && market.TickSize != a.cfg.Quoting.TickSize {
		a.log.Warn("configured tick size differs from market",
			zap.Float64("configured", a.cfg.Quoting.TickSize),
			zap.Float64("market", market.TickSize),
		)
	}
	a.log.Info("resolved market",
		zap.String("market_id", market.ID),
		zap.String("question", market.Question),
	)

	a.restoreSession(ctx)
	a.reconcileStartup(ctx)
	a.alerts.BotStarted(ctx, market.ID)
	a.recorder.Start(ctx)

	if err := a.feed.Subscribe(ctx, market.YesTokenID, market.NoTokenID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.feed.Run(gctx) })
	g.Go(func() error { return a.runLoop(gctx) })
	if a.cfg.Redeem.Enabled {
		g.Go(func() error { return a.runRedeem(gctx) })
	}
	if a.prom != nil {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}

	err = g.Wait()
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown runs on a fresh context: the parent is already cancelled, and
// the final cancel-all still has to reach the exchange.
func (a *App) shutdown() {
	graceCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Quoting.ShutdownCancelGrace)
	defer cancel()
	a.orders.Shutdown(graceCtx)
	a.saveSession(graceCtx)
	a.alerts.BotStopped(graceCtx, a.market.ID, a.tracker.Totals().NetPnL)
	if err := a.recorder.Close(); err != nil {
		a.log.Warn("recorder close failed", zap.Error(err))
	}
	a.log.Info("shutdown complete")
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// reconcileStartup clears any orders left resting by a previous run before
// quoting begins. The session snapshot carries positions; orders are always
// rebuilt fresh.
func (a *App) reconcileStartup(ctx context.Context) {
	orders, err := a.exchange.OpenOrders(ctx)
	if err != nil {
		a.log.Warn("startup open-order query failed", zap.Error(err))
		return
	}
	if len(orders) == 0 {
		return
	}
	a.log.Info("cancelling stale orders from previous run", zap.Int("count", len(orders)))
	if err := a.gateway.CancelAll(ctx); err != nil {
		a.log.Warn("startup cancel-all failed", zap.Error(err))
		return
	}
	for _, o := range orders {
		a.gateway.Release(ctx, o.ID)
	}
}

func (a *App) restoreSession(ctx context.Context) {
	snap, ok, err := state.LoadSession(ctx, a.store)
	if err != nil {
		a.log.Warn("session restore failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if snap.MarketID != "" && snap.MarketID != a.market.ID {
		a.log.Info("discarding session snapshot for different market",
			zap.String("snapshot_market", snap.MarketID))
		return
	}
	a.ledger.Restore(snap.YesShares, snap.NoShares, snap.RefPrice)
	a.stopLoss.RestoreEntries(snap.Entries)
	a.tracker.Restore(snap.Trades)
	a.setLastMid(snap.RefPrice)
	a.log.Info("restored session",
		zap.Float64("yes_shares", snap.YesShares),
		zap.Float64("no_shares", snap.NoShares),
		zap.Int("trades", len(snap.Trades)),
	)
}

func (a *App) saveSession(ctx context.Context) {
	pos := a.ledger.Snapshot()
	snap := state.SessionSnapshot{
		MarketID:    a.market.ID,
		YesShares:   pos.YesShares,
		NoShares:    pos.NoShares,
		RefPrice:    a.lastMidValue(),
		Entries:     a.stopLoss.Entries(),
		Trades:      a.tracker.Records(),
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	if err := state.SaveSession(ctx, a.store, snap); err != nil {
		a.log.Warn("session save failed", zap.Error(err))
	}
}

func (a *App) lastMidValue() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastMid
}

func (a *App) setLastMid(mid float64) {
	a.mu.Lock()
	a.lastMid = mid
	a.mu.Unlock()
}
