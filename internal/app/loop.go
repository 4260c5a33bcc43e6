package app

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"pm-spread-bot/internal/exec"
	"pm-spread-bot/internal/inventory"
	"pm-spread-bot/internal/lifecycle"
	"pm-spread-bot/internal/pm/clob"
	"pm-spread-bot/internal/pricing"
	"pm-spread-bot/internal/risk"
	"pm-spread-bot/internal/timescale"
)

// fillSettleGrace keeps a just-placed order from being treated as filled
// before the exchange lists it in the open-order poll.
const fillSettleGrace = 2 * time.Second

// staleSnapshotFactor bounds how many refresh intervals a cached book may
// lag behind before quoting pauses. A frozen cache during a feed outage
// must not keep producing quotes.
const staleSnapshotFactor = 3

// runLoop drives the quoting cycle. Sleep compensates for cycle duration so
// the cadence holds; a failed or panicked cycle logs, backs off, and the
// loop continues.
func (a *App) runLoop(ctx context.Context) error {
	interval := a.cfg.Quoting.RefreshInterval
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now()
		err := a.safeCycle(ctx)
		elapsed := time.Since(start)
		a.metrics.CycleSeconds.Observe(elapsed.Seconds())
		wait := interval - elapsed
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn("quote cycle failed", zap.Error(err))
			wait = a.cfg.Quoting.ErrBackoff
		}
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (a *App) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return a.cycle(ctx)
}

func (a *App) cycle(ctx context.Context) error {
	snap, ok := a.books.Snapshot(a.market.YesTokenID)
	if !ok {
		return nil
	}
	if age := time.Since(snap.CapturedAt); age > staleSnapshotFactor*a.cfg.Quoting.RefreshInterval {
		a.log.Warn("book snapshot stale, skipping cycle", zap.Duration("age", age))
		return nil
	}
	pctx, ok := a.engine.BuildContext(a.market.ID, snap)
	if !ok {
		return nil
	}

	a.observeFills(ctx)
	a.ledger.Reprice(pctx.Mid)
	a.cancelExpired(ctx)

	pos := a.ledger.Snapshot()
	if a.stopLoss.Check(pos.YesShares, pos.NoShares, pctx.Mid) {
		a.metrics.StopLossTrips.Inc()
		a.alerts.StopLossTriggered(ctx, a.market.ID, a.cfg.Risk.StopLossPct)
		a.cancelAllActive(ctx)
	}
	a.recordCycle(pctx, pos)
	defer a.saveSession(ctx)

	if a.stopLoss.Triggered() {
		a.unwindPosition(ctx, pctx)
		return nil
	}

	if hedge, ok := a.guard.HedgeRecommendation(); ok {
		a.executeHedge(ctx, hedge, pctx)
	}
	if a.guard.ShouldStopTrading() {
		a.log.Warn("approaching exposure limit", zap.Float64("net_exposure_usd", pos.NetExposureUSD))
	}

	if a.orders.ActiveCount() > 0 && !a.orders.ShouldRefresh(pctx.Mid, a.lastMidValue()) {
		return nil
	}

	yesQuote, noQuote := a.engine.ComputeQuotes(pctx, a.market.YesTokenID, a.market.NoTokenID)
	yesQuote, noQuote = a.validateQuotes(yesQuote, noQuote)
	a.recordQuote(pctx, yesQuote, noQuote)
	var quotes []pricing.Quote
	if yesQuote != nil {
		quotes = append(quotes, *yesQuote)
	}
	if noQuote != nil {
		quotes = append(quotes, *noQuote)
	}

	toCancel, toPlace := a.orders.Reconcile(quotes)
	for _, o := range toCancel {
		if err := a.gateway.Cancel(ctx, o.ID); err != nil {
			a.log.Warn("cancel failed", zap.String("order_id", o.ID), zap.Error(err))
		} else {
			a.metrics.OrdersCancelled.Inc()
		}
		a.retireOrder(ctx, o.ID, o.Size)
	}
	a.placeQuotes(ctx, toPlace)
	a.setLastMid(pctx.Mid)
	return nil
}

// validateQuotes runs the risk guard over each leg and the anti-crossing
// check over the pair. A rejected leg is dropped, not resized.
func (a *App) validateQuotes(yesQuote, noQuote *pricing.Quote) (*pricing.Quote, *pricing.Quote) {
	if yesQuote != nil {
		if ok, reason := a.guard.ValidateOrder(yesQuote.Side, yesQuote.Price*yesQuote.Size); !ok {
			a.log.Warn("yes quote rejected", zap.String("reason", reason))
			yesQuote = nil
		}
	}
	if noQuote != nil {
		if ok, reason := a.guard.ValidateOrder(noQuote.Side, noQuote.Price*noQuote.Size); !ok {
			a.log.Warn("no quote rejected", zap.String("reason", reason))
			noQuote = nil
		}
	}
	if yesQuote != nil && noQuote != nil {
		// The no-token bid at price p is an ask on the yes token at 1-p.
		if ok, reason := a.orders.CheckAntiCrossing(yesQuote.Price, 1-noQuote.Price); !ok {
			a.log.Warn("quote pair rejected", zap.String("reason", reason))
			return nil, nil
		}
	}
	return yesQuote, noQuote
}

func (a *App) placeQuotes(ctx context.Context, quotes []pricing.Quote) {
	var yesQuote, noQuote *pricing.Quote
	for i := range quotes {
		if quotes[i].TokenID == a.market.YesTokenID {
			yesQuote = &quotes[i]
		} else {
			noQuote = &quotes[i]
		}
	}
	switch {
	case yesQuote != nil && noQuote != nil:
		yesRes, noRes := a.gateway.PlacePair(ctx, quoteRequest(*yesQuote), quoteRequest(*noQuote))
		a.handlePlacement(ctx, *yesQuote, yesRes, risk.LegYes)
		a.handlePlacement(ctx, *noQuote, noRes, risk.LegNo)
		switch {
		case yesRes.Err == nil && noRes.Err == nil:
			a.tracker.Expect(yesRes.OrderID, noRes.OrderID,
				yesQuote.Price, noQuote.Price, yesQuote.Size, noQuote.Size)
		case yesRes.Err != nil && noRes.Err == nil:
			a.alerts.OneSidedFill(ctx, risk.LegYes, yesRes.Err)
		case yesRes.Err == nil && noRes.Err != nil:
			a.alerts.OneSidedFill(ctx, risk.LegNo, noRes.Err)
		}
	case yesQuote != nil:
		id, err := a.gateway.Place(ctx, quoteRequest(*yesQuote))
		a.handlePlacement(ctx, *yesQuote, exec.Result{OrderID: id, Err: err}, risk.LegYes)
	case noQuote != nil:
		id, err := a.gateway.Place(ctx, quoteRequest(*noQuote))
		a.handlePlacement(ctx, *noQuote, exec.Result{OrderID: id, Err: err}, risk.LegNo)
	}
}

func quoteRequest(q pricing.Quote) exec.Request {
	return exec.Request{
		Args: clob.OrderArgs{
			TokenID: q.TokenID,
			Side:    q.Side,
			Price:   q.Price,
			Size:    q.Size,
			Type:    clob.OrderTypeGTC,
		},
	}
}

func (a *App) handlePlacement(ctx context.Context, q pricing.Quote, res exec.Result, leg string) {
	if res.Err != nil {
		a.metrics.OrdersFailed.Inc()
		a.log.Warn("order placement failed",
			zap.String("token_id", q.TokenID),
			zap.Float64("price", q.Price),
			zap.Error(res.Err),
		)
		return
	}
	a.metrics.OrdersPlaced.Inc()
	a.orders.Track(lifecycle.ActiveOrder{
		ID:      res.OrderID,
		TokenID: q.TokenID,
		Side:    q.Side,
		Price:   q.Price,
		Size:    q.Size,
	})
	a.stopLoss.RecordEntry(leg, q.Price)
}

// observeFills polls open orders and converts cumulative matched sizes into
// ledger deltas. A tracked order missing from the poll is treated as fully
// filled once past the settle grace.
func (a *App) observeFills(ctx context.Context) {
	open, err := a.exchange.OpenOrders(ctx)
	if err != nil {
		a.log.Warn("open-order poll failed", zap.Error(err))
		return
	}
	for _, fill := range a.fills.Diff(open) {
		a.metrics.Fills.Inc()
		a.applyFill(fill.TokenID, fill.Side, fill.Shares)
		a.tracker.ConfirmFill(fill.OrderID)
		decision := a.orders.HandlePartialFill(fill.OrderID, fill.SizeMatched, fill.TotalShares)
		if decision.Cancel {
			if err := a.gateway.Cancel(ctx, fill.OrderID); err != nil {
				a.log.Warn("partial-fill cancel failed", zap.String("order_id", fill.OrderID), zap.Error(err))
			} else {
				a.metrics.OrdersCancelled.Inc()
			}
			a.retireOrder(ctx, fill.OrderID, fill.TotalShares)
		}
	}

	openSet := make(map[string]struct{}, len(open))
	for _, o := range open {
		openSet[o.ID] = struct{}{}
	}
	for _, o := range a.orders.Active() {
		if _, resting := openSet[o.ID]; resting {
			continue
		}
		if time.Since(o.PlacedAt) < fillSettleGrace {
			continue
		}
		a.tracker.ConfirmFill(o.ID)
		if remaining := a.fills.Settle(o.ID, o.Size, true); remaining > 0 {
			a.metrics.Fills.Inc()
			a.applyFill(o.TokenID, o.Side, remaining)
		}
		a.orders.Forget(o.ID)
		a.gateway.Release(ctx, o.ID)
	}
}

// retireOrder drops every local record of a cancelled order: the lifecycle
// slot, fill bookkeeping, the idempotency record, and the pending trade
// round when the order never filled.
func (a *App) retireOrder(ctx context.Context, orderID string, size float64) {
	if a.fills.Seen(orderID) > 0 {
		a.tracker.ConfirmFill(orderID)
	} else {
		a.tracker.Abandon(orderID)
	}
	a.orders.Forget(orderID)
	a.fills.Settle(orderID, size, false)
	a.gateway.Release(ctx, orderID)
}

func (a *App) applyFill(tokenID string, side clob.Side, shares float64) {
	if shares <= 0 {
		return
	}
	if side == clob.SideSell {
		shares = -shares
	}
	refPrice := a.lastMidValue()
	if tokenID == a.market.YesTokenID {
		a.ledger.Update(shares, 0, refPrice)
	} else {
		a.ledger.Update(0, shares, refPrice)
	}
}

func (a *App) cancelExpired(ctx context.Context) {
	for _, o := range a.orders.Expired() {
		if err := a.gateway.Cancel(ctx, o.ID); err != nil {
			a.log.Warn("expiry cancel failed", zap.String("order_id", o.ID), zap.Error(err))
		} else {
			a.metrics.OrdersCancelled.Inc()
		}
		a.retireOrder(ctx, o.ID, o.Size)
	}
}

func (a *App) cancelAllActive(ctx context.Context) {
	if err := a.gateway.CancelAll(ctx); err != nil {
		a.log.Warn("cancel-all failed", zap.Error(err))
	}
	for _, o := range a.orders.Active() {
		a.retireOrder(ctx, o.ID, o.Size)
	}
}

// sellShares places a FOK sell on one leg at the given price and applies
// the ledger delta on success. FOK so a miss leaves no resting sell to
// manage.
func (a *App) sellShares(ctx context.Context, leg string, shares, price, refPrice float64) error {
	if price <= 0 || price >= 1 {
		return fmt.Errorf("no usable touch price for %s leg: %.4f", leg, price)
	}
	if shares <= 0 {
		return nil
	}
	tokenID := a.market.YesTokenID
	if leg == risk.LegNo {
		tokenID = a.market.NoTokenID
	}
	id, err := a.gateway.Place(ctx, exec.Request{
		Args: clob.OrderArgs{
			TokenID: tokenID,
			Side:    clob.SideSell,
			Price:   price,
			Size:    shares,
			Type:    clob.OrderTypeFOK,
		},
	})
	if err != nil {
		a.metrics.OrdersFailed.Inc()
		return err
	}
	// FOK orders never rest, so the idempotency record is dead on arrival.
	a.gateway.Release(ctx, id)
	if leg == risk.LegYes {
		a.ledger.Update(-shares, 0, refPrice)
	} else {
		a.ledger.Update(0, -shares, refPrice)
	}
	return nil
}

// executeHedge unwinds half of the dominant side at the touch.
func (a *App) executeHedge(ctx context.Context, hedge risk.Hedge, pctx pricing.Context) {
	price := pctx.BestBid
	if hedge.Leg == risk.LegNo {
		price = 1 - pctx.BestAsk
	}
	if err := a.sellShares(ctx, hedge.Leg, hedge.SellShares, price, pctx.Mid); err != nil {
		a.log.Warn("hedge placement failed", zap.String("leg", hedge.Leg), zap.Error(err))
		return
	}
	a.metrics.HedgeTrades.Inc()
	a.alerts.HedgeExecuted(ctx, hedge.Leg, hedge.SellShares)
	a.closeRoundsIfFlat(pctx)
	a.log.Info("hedge executed",
		zap.String("leg", hedge.Leg),
		zap.Float64("shares", hedge.SellShares),
		zap.Float64("price", price),
	)
}

// unwindPosition flattens both legs with FOK sells at the touch while the
// stop loss is latched. Legs that miss are retried next cycle. Once flat,
// the open trade rounds close at the exit marks and the latch re-arms.
func (a *App) unwindPosition(ctx context.Context, pctx pricing.Context) {
	pos := a.ledger.Snapshot()
	if pos.YesShares > 0 {
		if err := a.sellShares(ctx, risk.LegYes, pos.YesShares, pctx.BestBid, pctx.Mid); err != nil {
			a.log.Warn("unwind sell failed", zap.String("leg", risk.LegYes), zap.Error(err))
		}
	}
	if pos.NoShares > 0 {
		if err := a.sellShares(ctx, risk.LegNo, pos.NoShares, 1-pctx.BestAsk, pctx.Mid); err != nil {
			a.log.Warn("unwind sell failed", zap.String("leg", risk.LegNo), zap.Error(err))
		}
	}
	pos = a.ledger.Snapshot()
	if math.Abs(pos.YesShares) > 1e-9 || math.Abs(pos.NoShares) > 1e-9 {
		return
	}
	a.closeRoundsIfFlat(pctx)
	a.stopLoss.Reset()
	a.log.Info("position flattened after stop loss, quoting re-armed")
}

// closeRoundsIfFlat settles every open trade round at the current touch
// prices once both legs are fully unwound.
func (a *App) closeRoundsIfFlat(pctx pricing.Context) {
	pos := a.ledger.Snapshot()
	if math.Abs(pos.YesShares) > 1e-9 || math.Abs(pos.NoShares) > 1e-9 {
		return
	}
	if n := a.tracker.CloseAll(pctx.BestBid, 1-pctx.BestAsk, 0); n > 0 {
		a.log.Info("trade rounds closed", zap.Int("count", n))
	}
}

func (a *App) recordQuote(pctx pricing.Context, yesQuote, noQuote *pricing.Quote) {
	snap := timescale.QuoteSnapshot{
		Time:       time.Now().UTC(),
		MarketID:   a.market.ID,
		Mid:        pctx.Mid,
		BestBid:    pctx.BestBid,
		BestAsk:    pctx.BestAsk,
		SpreadBPS:  float64(pctx.SpreadBPS),
		Volatility: pctx.Volatility,
		Imbalance:  pctx.Imbalance,
		Quoting:    yesQuote != nil || noQuote != nil,
	}
	if yesQuote != nil {
		snap.YesQuote = yesQuote.Price
	}
	if noQuote != nil {
		snap.NoQuote = noQuote.Price
	}
	if yesQuote != nil && noQuote != nil {
		snap.QuoteEdge = 1 - yesQuote.Price - noQuote.Price
	}
	a.recorder.EnqueueQuote(snap)
}

func (a *App) recordCycle(pctx pricing.Context, pos inventory.Position) {
	a.metrics.NetExposureUSD.Set(pos.NetExposureUSD)
	a.metrics.TotalValueUSD.Set(pos.TotalValueUSD)
	a.metrics.InventorySkew.Set(a.ledger.Skew())
	a.metrics.MidPrice.Set(pctx.Mid)
	a.metrics.SpreadBPS.Set(float64(a.engine.DynamicSpreadBPS(pctx)))
	a.metrics.UnrealizedPnLUSD.Set(a.tracker.UnrealizedPnL(pctx.Mid))
	a.metrics.RealizedPnLUSD.Set(a.tracker.Totals().NetPnL)
	a.metrics.ActiveOrders.Set(float64(a.orders.ActiveCount()))

	stats := a.books.Stats()
	a.mu.Lock()
	for a.seenReconnects < stats.Reconnects {
		a.metrics.FeedReconnects.Inc()
		a.seenReconnects++
	}
	a.mu.Unlock()

	a.recorder.EnqueueInventory(timescale.InventorySnapshot{
		Time:           time.Now().UTC(),
		MarketID:       a.market.ID,
		YesShares:      pos.YesShares,
		NoShares:       pos.NoShares,
		NetExposureUSD: pos.NetExposureUSD,
		TotalValueUSD:  pos.TotalValueUSD,
		Skew:           a.ledger.Skew(),
		UnrealizedUSD:  a.tracker.UnrealizedPnL(pctx.Mid),
		RealizedUSD:    a.tracker.Totals().NetPnL,
		ActiveOrders:   a.orders.ActiveCount(),
		StopLossActive: a.stopLoss.Triggered(),
	})
}
