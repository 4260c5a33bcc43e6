package book

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"
)

// Level is a single price/size entry in the book.
type Level struct {
	Price float64
	Size  float64
}

// Snapshot is a full, validated view of one outcome token's book.
// It is replaced wholesale on every feed update and never mutated afterwards.
type Snapshot struct {
	AssetID    string
	Bids       []Level // descending by price
	Asks       []Level // ascending by price
	CapturedAt time.Time
}

var (
	ErrEmptyBook      = errors.New("book side is empty")
	ErrCrossedBook    = errors.New("best bid at or above best ask")
	ErrPriceOutOfBand = errors.New("price outside (0, 1)")
)

func (s Snapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}

func (s Snapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price
}

func (s Snapshot) Mid() float64 {
	bid, ask := s.BestBid(), s.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}

// SpreadBPS returns the current market spread in basis points relative to mid.
func (s Snapshot) SpreadBPS() int {
	bid, ask := s.BestBid(), s.BestAsk()
	if bid <= 0 || ask <= bid {
		return 0
	}
	mid := (bid + ask) / 2
	return int((ask - bid) / mid * 10000)
}

// DepthWeightedMid averages the top n levels of each side weighted by size.
// Falls back to the plain midpoint when either side lacks depth.
func (s Snapshot) DepthWeightedMid(n int) float64 {
	if n <= 0 || len(s.Bids) == 0 || len(s.Asks) == 0 {
		return s.Mid()
	}
	var bidNotional, bidSize, askNotional, askSize float64
	for i, lvl := range s.Bids {
		if i >= n {
			break
		}
		bidNotional += lvl.Price * lvl.Size
		bidSize += lvl.Size
	}
	for i, lvl := range s.Asks {
		if i >= n {
			break
		}
		askNotional += lvl.Price * lvl.Size
		askSize += lvl.Size
	}
	if bidSize <= 0 || askSize <= 0 {
		return s.Mid()
	}
	return (bidNotional/bidSize + askNotional/askSize) / 2
}

// Imbalance measures resting volume pressure over the top n levels:
// -1 means all bids, +1 all asks, 0 balanced.
func (s Snapshot) Imbalance(n int) float64 {
	if n <= 0 {
		return 0
	}
	var bidVol, askVol float64
	for i, lvl := range s.Bids {
		if i >= n {
			break
		}
		bidVol += lvl.Size
	}
	for i, lvl := range s.Asks {
		if i >= n {
			break
		}
		askVol += lvl.Size
	}
	total := bidVol + askVol
	if total == 0 {
		return 0
	}
	imb := (askVol - bidVol) / total
	return clamp(imb, -1, 1)
}

// Validate enforces the shape a snapshot must have before it may replace the
// cached one: both sides non-empty, every price strictly inside (0, 1), and
// the book not crossed.
func (s Snapshot) Validate() error {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return ErrEmptyBook
	}
	for _, lvl := range s.Bids {
		if lvl.Price <= 0 || lvl.Price >= 1 {
			return ErrPriceOutOfBand
		}
	}
	for _, lvl := range s.Asks {
		if lvl.Price <= 0 || lvl.Price >= 1 {
			return ErrPriceOutOfBand
		}
	}
	if s.BestBid() >= s.BestAsk() {
		return ErrCrossedBook
	}
	return nil
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookMessage struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

// ParseSnapshot converts a raw "book" event into a Snapshot. Levels with an
// unparseable or out-of-range price, or a non-positive size, are dropped
// rather than failing the whole message; the resulting snapshot must still
// pass Validate before it reaches the cache.
func ParseSnapshot(raw json.RawMessage) (Snapshot, error) {
	var msg bookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Snapshot{}, err
	}
	if msg.AssetID == "" {
		return Snapshot{}, errors.New("book message missing asset_id")
	}
	snap := Snapshot{
		AssetID:    msg.AssetID,
		Bids:       parseLevels(msg.Bids),
		Asks:       parseLevels(msg.Asks),
		CapturedAt: parseTimestamp(msg.Timestamp),
	}
	sort.Slice(snap.Bids, func(i, j int) bool { return snap.Bids[i].Price > snap.Bids[j].Price })
	sort.Slice(snap.Asks, func(i, j int) bool { return snap.Asks[i].Price < snap.Asks[j].Price })
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func parseLevels(raw []wireLevel) []Level {
	levels := make([]Level, 0, len(raw))
	for _, lvl := range raw {
		price, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(lvl.Size, 64)
		if err != nil {
			continue
		}
		if price <= 0 || price >= 1 || size <= 0 {
			continue
		}
		levels = append(levels, Level{Price: price, Size: size})
	}
	return levels
}

func parseTimestamp(raw string) time.Time {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		// The feed reports epoch milliseconds.
		return time.UnixMilli(ms)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Now().UTC()
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
