package risk

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"pm-spread-bot/internal/config"
	"pm-spread-bot/internal/inventory"
	"pm-spread-bot/internal/pm/clob"
)

func testGuard(t *testing.T) (*Guard, *inventory.Ledger) {
	t.Helper()
	invCfg := config.InventoryConfig{MaxExposureUSD: 1000, MinExposureUSD: -1000}
	ledger := inventory.New(invCfg, zap.NewNop())
	guard := NewGuard(config.RiskConfig{
		MaxPositionSizeUSD: 500,
		SkewLimit:          0.3,
		StopLossPct:        10,
		HedgeThreshold:     0.8,
	}, invCfg, ledger, zap.NewNop())
	return guard, ledger
}

func TestValidateOrderPositionSize(t *testing.T) {
	guard, _ := testGuard(t)
	if ok, _ := guard.ValidateOrder(clob.SideBuy, 100); !ok {
		t.Fatal("small order rejected")
	}
	ok, reason := guard.ValidateOrder(clob.SideBuy, 600)
	if ok {
		t.Fatal("oversized order accepted")
	}
	if reason != "position size exceeds limit" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestValidateOrderExposureBounds(t *testing.T) {
	guard, ledger := testGuard(t)
	// Build a balanced book near the cap so skew stays inside its limit.
	ledger.Update(1900, 1700, 0.5) // net +100, skew ~0.056
	if ok, _ := guard.ValidateOrder(clob.SideBuy, 400); !ok {
		t.Fatal("order inside bounds rejected")
	}
	ok, reason := guard.ValidateOrder(clob.SideBuy, 950)
	if ok {
		t.Fatal("order breaching max exposure accepted")
	}
	if reason != "exposure limit exceeded" {
		t.Fatalf("unexpected reason %q", reason)
	}
	if ok, _ := guard.ValidateOrder(clob.SideSell, 1150); ok {
		t.Fatal("order breaching min exposure accepted")
	}
}

func TestValidateOrderSkewLimit(t *testing.T) {
	guard, ledger := testGuard(t)
	ledger.Update(100, 20, 0.5) // skew = 2/3
	ok, reason := guard.ValidateOrder(clob.SideBuy, 10)
	if ok {
		t.Fatal("skewed book accepted")
	}
	if reason != "inventory skew too high" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestShouldStopTrading(t *testing.T) {
	guard, ledger := testGuard(t)
	if guard.ShouldStopTrading() {
		t.Fatal("flat book flagged")
	}
	ledger.Update(1700, 0, 0.5) // net +850, under 900
	if guard.ShouldStopTrading() {
		t.Fatal("85% of max flagged")
	}
	ledger.Update(200, 0, 0.5) // net +950
	if !guard.ShouldStopTrading() {
		t.Fatal("95% of max not flagged")
	}
}

func TestHedgeRecommendation(t *testing.T) {
	guard, ledger := testGuard(t)
	if _, ok := guard.HedgeRecommendation(); ok {
		t.Fatal("flat book recommended a hedge")
	}

	// skew = (50-4.05)/(50+4.05) ~ 0.85: unwind half the yes side.
	ledger.Update(100, 8.1, 0.5)
	if s := ledger.Skew(); math.Abs(s-0.85) > 0.01 {
		t.Fatalf("test setup: skew = %f, want ~0.85", s)
	}
	h, ok := guard.HedgeRecommendation()
	if !ok {
		t.Fatal("critical skew produced no recommendation")
	}
	if h.Leg != LegYes {
		t.Fatalf("leg = %s, want yes", h.Leg)
	}
	if h.SellShares != 50 {
		t.Fatalf("sell shares = %f, want 50 (half of 100)", h.SellShares)
	}

	// Mirror case on the no side.
	guard2, ledger2 := testGuard(t)
	ledger2.Update(8.1, 100, 0.5)
	h2, ok := guard2.HedgeRecommendation()
	if !ok || h2.Leg != LegNo || h2.SellShares != 50 {
		t.Fatalf("unexpected no-side hedge: %+v ok=%v", h2, ok)
	}
}
