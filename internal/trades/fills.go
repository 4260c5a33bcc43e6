package trades

import (
	"sync"

	"pm-spread-bot/internal/pm/clob"
)

// Fill is the newly matched portion of one order since the last poll.
type Fill struct {
	OrderID     string
	TokenID     string
	Side        clob.Side
	Price       float64
	Shares      float64
	TotalShares float64
	SizeMatched float64
}

// FillTracker turns successive open-order polls into per-order fill deltas.
// The exchange reports cumulative matched size; subtracting the last seen
// value yields what filled in between. An order that disappears from the
// poll is settled by the caller through Settle.
type FillTracker struct {
	mu      sync.Mutex
	matched map[string]float64
}

func NewFillTracker() *FillTracker {
	return &FillTracker{matched: make(map[string]float64)}
}

// Diff compares a fresh open-order poll against the previous one and
// returns every order whose matched size grew.
func (f *FillTracker) Diff(orders []clob.OpenOrder) []Fill {
	f.mu.Lock()
	defer f.mu.Unlock()
	var fills []Fill
	for _, o := range orders {
		prev := f.matched[o.ID]
		if o.SizeMatched > prev {
			fills = append(fills, Fill{
				OrderID:     o.ID,
				TokenID:     o.TokenID,
				Side:        o.Side,
				Price:       o.Price,
				Shares:      o.SizeMatched - prev,
				TotalShares: o.OriginalSize,
				SizeMatched: o.SizeMatched,
			})
			f.matched[o.ID] = o.SizeMatched
		}
	}
	return fills
}

// Settle closes the book on an order that left the open set. The return is
// the portion not yet credited by Diff, assuming the order filled fully
// when full is true and rested unfilled otherwise.
func (f *FillTracker) Settle(orderID string, originalSize float64, full bool) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.matched[orderID]
	delete(f.matched, orderID)
	if !full {
		return 0
	}
	if remaining := originalSize - prev; remaining > 0 {
		return remaining
	}
	return 0
}

// Seen reports the cumulative matched size recorded for an order.
func (f *FillTracker) Seen(orderID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matched[orderID]
}
