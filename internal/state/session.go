package state

import (
	"context"
	"encoding/base64"

	"github.com/vmihailenco/msgpack/v5"

	"pm-spread-bot/internal/trades"
)

const sessionKey = "session:snapshot"

// SessionSnapshot is everything a restart must not lose: positions, the
// stop-loss entry prices, and the open trade records. Saved each cycle and
// restored at startup.
type SessionSnapshot struct {
	MarketID    string             `msgpack:"market_id"`
	YesShares   float64            `msgpack:"yes_shares"`
	NoShares    float64            `msgpack:"no_shares"`
	RefPrice    float64            `msgpack:"ref_price"`
	Entries     map[string]float64 `msgpack:"entries"`
	Trades      []trades.Record    `msgpack:"trades"`
	UpdatedAtMS int64              `msgpack:"updated_at_ms"`
}

// SaveSession encodes the snapshot with msgpack and writes it through the
// store. The binary payload is base64-wrapped to fit the string-valued kv
// surface.
func SaveSession(ctx context.Context, store Store, snap SessionSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return store.Set(ctx, sessionKey, base64.StdEncoding.EncodeToString(payload))
}

// LoadSession restores the last saved snapshot. A missing or empty record
// returns ok=false without error.
func LoadSession(ctx context.Context, store Store) (SessionSnapshot, bool, error) {
	if store == nil {
		return SessionSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, sessionKey)
	if err != nil || !ok || raw == "" {
		return SessionSnapshot{}, false, err
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return SessionSnapshot{}, false, err
	}
	var snap SessionSnapshot
	if err := msgpack.Unmarshal(payload, &snap); err != nil {
		return SessionSnapshot{}, false, err
	}
	return snap, true, nil
}
