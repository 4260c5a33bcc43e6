package inventory

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"pm-spread-bot/internal/config"
)

func testLedger() *Ledger {
	return New(config.InventoryConfig{
		MaxExposureUSD: 1000,
		MinExposureUSD: -1000,
		TargetBalance:  0,
	}, zap.NewNop())
}

func TestUpdateRecomputesExposure(t *testing.T) {
	l := testLedger()
	l.Update(100, 0, 0.5)
	pos := l.Snapshot()
	if pos.NetExposureUSD != 50 {
		t.Fatalf("net = %f, want 50", pos.NetExposureUSD)
	}
	if pos.TotalValueUSD != 50 {
		t.Fatalf("total = %f, want 50", pos.TotalValueUSD)
	}

	l.Update(0, 100, 0.5)
	pos = l.Snapshot()
	if pos.NetExposureUSD != 0 {
		t.Fatalf("net = %f, want 0 after balancing no fill", pos.NetExposureUSD)
	}
	if pos.TotalValueUSD != 100 {
		t.Fatalf("total = %f, want 100", pos.TotalValueUSD)
	}
}

func TestUpdateIsNotIncremental(t *testing.T) {
	l := testLedger()
	l.Update(100, 50, 0.5)
	// Repricing at a new reference must come out the same whether reached in
	// one update or many.
	l.Reprice(0.6)
	one := l.Snapshot()

	l2 := testLedger()
	for i := 0; i < 10; i++ {
		l2.Update(10, 5, 0.5)
	}
	l2.Reprice(0.6)
	many := l2.Snapshot()

	if math.Abs(one.NetExposureUSD-many.NetExposureUSD) > 1e-9 {
		t.Fatalf("net diverged: %f vs %f", one.NetExposureUSD, many.NetExposureUSD)
	}
}

func TestRecomputeIgnoresDegeneratePrice(t *testing.T) {
	l := testLedger()
	l.Update(100, 0, 0.5)
	before := l.Snapshot()
	l.Reprice(0)
	l.Reprice(1)
	after := l.Snapshot()
	if before != after {
		t.Fatalf("degenerate reprice changed exposure: %+v vs %+v", before, after)
	}
}

func TestSkew(t *testing.T) {
	l := testLedger()
	if got := l.Skew(); got != 0 {
		t.Fatalf("flat skew = %f, want 0", got)
	}
	l.Update(100, 0, 0.5)
	if got := l.Skew(); got != 1 {
		t.Fatalf("all-yes skew = %f, want 1", got)
	}
	l.Update(0, 100, 0.5)
	if got := l.Skew(); got != 0 {
		t.Fatalf("balanced skew = %f, want 0", got)
	}
	l.Update(0, 100, 0.5)
	if got := l.Skew(); math.Abs(got-(-1.0/3)) > 1e-9 {
		t.Fatalf("skew = %f, want -1/3", got)
	}
}

func TestQuoteSizeYesBounds(t *testing.T) {
	l := testLedger()
	if got := l.QuoteSizeYes(100, 0.5); got != 100 {
		t.Fatalf("flat book size = %f, want full 100", got)
	}
	// Push exposure above target: quoting yes gets halved.
	l.Update(400, 0, 0.5) // net +200
	if got := l.QuoteSizeYes(100, 0.5); got != 50 {
		t.Fatalf("above-target size = %f, want 50", got)
	}
	// Near the cap: a fill that would breach it is refused outright.
	l.Update(1500, 0, 0.5) // net +950
	if got := l.QuoteSizeYes(200, 0.5); got != 0 {
		t.Fatalf("over-cap size = %f, want 0", got)
	}
}

func TestQuoteSizeNoBounds(t *testing.T) {
	l := testLedger()
	l.Update(0, 400, 0.5) // net -200, below target
	if got := l.QuoteSizeNo(100, 0.5); got != 50 {
		t.Fatalf("below-target size = %f, want 50", got)
	}
	l.Update(0, 1500, 0.5) // net -950
	if got := l.QuoteSizeNo(200, 0.5); got != 0 {
		t.Fatalf("under-floor size = %f, want 0", got)
	}
}

func TestRestore(t *testing.T) {
	l := testLedger()
	l.Update(999, 1, 0.5)
	l.Restore(10, 20, 0.5)
	pos := l.Snapshot()
	if pos.YesShares != 10 || pos.NoShares != 20 {
		t.Fatalf("restore ignored: %+v", pos)
	}
	if pos.NetExposureUSD != -5 {
		t.Fatalf("net = %f, want -5", pos.NetExposureUSD)
	}
}
