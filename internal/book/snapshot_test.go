package book

import (
	"encoding/json"
	"math"
	"testing"
)

func rawBook(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal book: %v", err)
	}
	return data
}

func validBookMessage() map[string]interface{} {
	return map[string]interface{}{
		"event_type": "book",
		"asset_id":   "token-yes",
		"market":     "0xmarket",
		"timestamp":  "1756600000000",
		"bids": []map[string]string{
			{"price": "0.49", "size": "100"},
			{"price": "0.48", "size": "200"},
		},
		"asks": []map[string]string{
			{"price": "0.51", "size": "150"},
			{"price": "0.52", "size": "50"},
		},
	}
}

func TestParseSnapshotSortsAndComputesMid(t *testing.T) {
	msg := validBookMessage()
	// Deliver sides unsorted; parsing must normalize them.
	msg["bids"] = []map[string]string{
		{"price": "0.48", "size": "200"},
		{"price": "0.49", "size": "100"},
	}
	snap, err := ParseSnapshot(rawBook(t, msg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.BestBid() != 0.49 {
		t.Fatalf("best bid = %f, want 0.49", snap.BestBid())
	}
	if snap.BestAsk() != 0.51 {
		t.Fatalf("best ask = %f, want 0.51", snap.BestAsk())
	}
	if math.Abs(snap.Mid()-0.50) > 1e-9 {
		t.Fatalf("mid = %f, want 0.50", snap.Mid())
	}
	if got := snap.SpreadBPS(); got != 400 {
		t.Fatalf("spread = %d bps, want 400", got)
	}
}

func TestParseSnapshotDropsMalformedLevels(t *testing.T) {
	msg := validBookMessage()
	msg["bids"] = []map[string]string{
		{"price": "0.49", "size": "100"},
		{"price": "not-a-number", "size": "100"},
		{"price": "1.20", "size": "100"},
		{"price": "0.45", "size": "0"},
	}
	snap, err := ParseSnapshot(rawBook(t, msg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Bids) != 1 {
		t.Fatalf("bids = %d, want 1 surviving level", len(snap.Bids))
	}
}

func TestParseSnapshotRejectsInvalidBooks(t *testing.T) {
	crossed := validBookMessage()
	crossed["bids"] = []map[string]string{{"price": "0.52", "size": "100"}}
	empty := validBookMessage()
	empty["asks"] = []map[string]string{}
	noAsset := validBookMessage()
	delete(noAsset, "asset_id")

	cases := []struct {
		name string
		msg  map[string]interface{}
	}{
		{"crossed", crossed},
		{"empty side", empty},
		{"missing asset", noAsset},
	}
	for _, tc := range cases {
		if _, err := ParseSnapshot(rawBook(t, tc.msg)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestImbalance(t *testing.T) {
	snap := Snapshot{
		Bids: []Level{{Price: 0.49, Size: 300}},
		Asks: []Level{{Price: 0.51, Size: 100}},
	}
	if got := snap.Imbalance(5); math.Abs(got-(-0.5)) > 1e-9 {
		t.Fatalf("imbalance = %f, want -0.5", got)
	}
	balanced := Snapshot{
		Bids: []Level{{Price: 0.49, Size: 100}},
		Asks: []Level{{Price: 0.51, Size: 100}},
	}
	if got := balanced.Imbalance(5); got != 0 {
		t.Fatalf("imbalance = %f, want 0", got)
	}
	if got := (Snapshot{}).Imbalance(5); got != 0 {
		t.Fatalf("empty book imbalance = %f, want 0", got)
	}
}

func TestDepthWeightedMid(t *testing.T) {
	snap := Snapshot{
		Bids: []Level{{Price: 0.48, Size: 100}, {Price: 0.40, Size: 100}},
		Asks: []Level{{Price: 0.52, Size: 100}, {Price: 0.60, Size: 100}},
	}
	// Top-1 depth collapses to the plain mid of the best levels.
	if got := snap.DepthWeightedMid(1); math.Abs(got-0.50) > 1e-9 {
		t.Fatalf("depth mid(1) = %f, want 0.50", got)
	}
	// Two levels each side, equal sizes: (0.44 + 0.56) / 2.
	if got := snap.DepthWeightedMid(2); math.Abs(got-0.50) > 1e-9 {
		t.Fatalf("depth mid(2) = %f, want 0.50", got)
	}
	skewed := Snapshot{
		Bids: []Level{{Price: 0.48, Size: 300}, {Price: 0.40, Size: 100}},
		Asks: []Level{{Price: 0.52, Size: 100}},
	}
	want := (0.46 + 0.52) / 2
	if got := skewed.DepthWeightedMid(2); math.Abs(got-want) > 1e-9 {
		t.Fatalf("depth mid = %f, want %f", got, want)
	}
}
