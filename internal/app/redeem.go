package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// runRedeem periodically sweeps resolved positions back into collateral.
// It reads exchange state only; core quoting state is untouched.
func (a *App) runRedeem(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Redeem.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.redeemOnce(ctx)
		}
	}
}

func (a *App) redeemOnce(ctx context.Context) {
	positions, err := a.exchange.RedeemablePositions(ctx)
	if err != nil {
		a.log.Warn("redeemable position query failed", zap.Error(err))
		return
	}
	for _, p := range positions {
		if p.ValueUSD < a.cfg.Redeem.ThresholdUSD {
			continue
		}
		a.metrics.RedeemAttempts.Inc()
		if err := a.exchange.Redeem(ctx, p.ConditionID, p.NegRisk); err != nil {
			a.log.Warn("redeem failed",
				zap.String("condition_id", p.ConditionID),
				zap.Error(err),
			)
			continue
		}
		a.metrics.RedeemSuccesses.Inc()
		a.log.Info("redeemed position",
			zap.String("condition_id", p.ConditionID),
			zap.Float64("value_usd", p.ValueUSD),
		)
	}
}
