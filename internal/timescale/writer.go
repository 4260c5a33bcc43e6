package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"pm-spread-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// QuoteSnapshot is one row per quoting cycle describing the market and the
// quotes produced for it.
type QuoteSnapshot struct {
	Time       time.Time
	MarketID   string
	Mid        float64
	BestBid    float64
	BestAsk    float64
	SpreadBPS  float64
	Volatility float64
	Imbalance  float64
	YesQuote   float64
	NoQuote    float64
	QuoteEdge  float64
	Quoting    bool
}

// InventorySnapshot is one row per cycle describing positions and P&L.
type InventorySnapshot struct {
	Time           time.Time
	MarketID       string
	YesShares      float64
	NoShares       float64
	NetExposureUSD float64
	TotalValueUSD  float64
	Skew           float64
	UnrealizedUSD  float64
	RealizedUSD    float64
	ActiveOrders   int
	StopLossActive bool
}

// Writer streams cycle snapshots into TimescaleDB without ever blocking the
// quoting loop. Inserts run on a single background goroutine; a full queue
// drops the snapshot and counts the drop.
type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	quotes      chan QuoteSnapshot
	inventories chan InventorySnapshot
	started     atomic.Bool
	dropQuote   atomic.Uint64
	dropInv     atomic.Uint64
}

// New returns nil when recording is disabled; a nil *Writer is safe to use.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		quotes:      make(chan QuoteSnapshot, queueSize),
		inventories: make(chan InventorySnapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueQuote(snapshot QuoteSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.quotes <- snapshot:
		return
	default:
		if w.dropQuote.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale quote queue full")
		}
	}
}

func (w *Writer) EnqueueInventory(snapshot InventorySnapshot) {
	if w == nil {
		return
	}
	select {
	case w.inventories <- snapshot:
		return
	default:
		if w.dropInv.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale inventory queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.quotes:
			w.writeQuote(ctx, snap)
		case snap := <-w.inventories:
			w.writeInventory(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		market_id TEXT NOT NULL,
		mid DOUBLE PRECISION NOT NULL,
		best_bid DOUBLE PRECISION NOT NULL,
		best_ask DOUBLE PRECISION NOT NULL,
		spread_bps DOUBLE PRECISION NOT NULL,
		volatility DOUBLE PRECISION NOT NULL,
		imbalance DOUBLE PRECISION NOT NULL,
		yes_quote DOUBLE PRECISION NOT NULL,
		no_quote DOUBLE PRECISION NOT NULL,
		quote_edge DOUBLE PRECISION NOT NULL,
		quoting BOOLEAN NOT NULL
	)`, w.table("quote_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		market_id TEXT NOT NULL,
		yes_shares DOUBLE PRECISION NOT NULL,
		no_shares DOUBLE PRECISION NOT NULL,
		net_exposure_usd DOUBLE PRECISION NOT NULL,
		total_value_usd DOUBLE PRECISION NOT NULL,
		skew DOUBLE PRECISION NOT NULL,
		unrealized_usd DOUBLE PRECISION NOT NULL,
		realized_usd DOUBLE PRECISION NOT NULL,
		active_orders INTEGER NOT NULL,
		stop_loss_active BOOLEAN NOT NULL
	)`, w.table("inventory_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("quote_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("timescale quote_snapshots hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("inventory_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("timescale inventory_snapshots hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeQuote(ctx context.Context, snap QuoteSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, market_id, mid, best_bid, best_ask, spread_bps, volatility, imbalance,
		yes_quote, no_quote, quote_edge, quoting
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("quote_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.MarketID,
		snap.Mid,
		snap.BestBid,
		snap.BestAsk,
		snap.SpreadBPS,
		snap.Volatility,
		snap.Imbalance,
		snap.YesQuote,
		snap.NoQuote,
		snap.QuoteEdge,
		snap.Quoting,
	); err != nil && w.log != nil {
		w.log.Warn("timescale quote insert failed", zap.Error(err))
	}
}

func (w *Writer) writeInventory(ctx context.Context, snap InventorySnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, market_id, yes_shares, no_shares, net_exposure_usd, total_value_usd,
		skew, unrealized_usd, realized_usd, active_orders, stop_loss_active
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)`, w.table("inventory_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.MarketID,
		snap.YesShares,
		snap.NoShares,
		snap.NetExposureUSD,
		snap.TotalValueUSD,
		snap.Skew,
		snap.UnrealizedUSD,
		snap.RealizedUSD,
		snap.ActiveOrders,
		snap.StopLossActive,
	); err != nil && w.log != nil {
		w.log.Warn("timescale inventory insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
