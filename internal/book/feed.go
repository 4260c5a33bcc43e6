package book

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StreamClient is the transport the feed reads from. Implemented by
// internal/pm/ws.Client; reconnection and subscription replay live there.
type StreamClient interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, sub interface{}) error
	Run(ctx context.Context, handler func(json.RawMessage)) error
	SetReconnectHook(fn func())
}

type subscribeCommand struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// Feed keeps the latest validated snapshot per subscribed outcome token.
// The single writer is the stream read loop; readers get value copies, so a
// half-updated book is never observable.
type Feed struct {
	client StreamClient
	log    *zap.Logger

	mu    sync.RWMutex
	cache map[string]Snapshot

	running    atomic.Bool
	received   atomic.Uint64
	applied    atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
	lastMsgNS  atomic.Int64
}

// Stats is a point-in-time view of feed health for the observability layer.
type Stats struct {
	Running          bool
	MessagesReceived uint64
	UpdatesApplied   uint64
	Dropped          uint64
	Reconnects       uint64
	CachedBooks      int
	LastMessageAge   time.Duration
}

func NewFeed(client StreamClient, log *zap.Logger) *Feed {
	f := &Feed{
		client: client,
		log:    log,
		cache:  make(map[string]Snapshot),
	}
	client.SetReconnectHook(func() {
		f.reconnects.Add(1)
	})
	return f
}

// Subscribe registers interest in the given outcome tokens. The underlying
// client remembers the command and replays it after every reconnect.
func (f *Feed) Subscribe(ctx context.Context, assetIDs ...string) error {
	if err := f.client.Connect(ctx); err != nil {
		return err
	}
	return f.client.Subscribe(ctx, subscribeCommand{Type: "market", AssetIDs: assetIDs})
}

// Snapshot returns the latest cached book for the token. The second return
// is false when no valid snapshot has arrived yet; callers must skip the
// cycle rather than substitute a degenerate price.
func (f *Feed) Snapshot(assetID string) (Snapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.cache[assetID]
	return snap, ok
}

// Run pumps the stream until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	f.running.Store(true)
	defer f.running.Store(false)
	return f.client.Run(ctx, f.handleMessage)
}

func (f *Feed) Stats() Stats {
	f.mu.RLock()
	cached := len(f.cache)
	f.mu.RUnlock()
	var age time.Duration
	if ns := f.lastMsgNS.Load(); ns > 0 {
		age = time.Since(time.Unix(0, ns))
	}
	return Stats{
		Running:          f.running.Load(),
		MessagesReceived: f.received.Load(),
		UpdatesApplied:   f.applied.Load(),
		Dropped:          f.dropped.Load(),
		Reconnects:       f.reconnects.Load(),
		CachedBooks:      cached,
		LastMessageAge:   age,
	}
}

func (f *Feed) handleMessage(raw json.RawMessage) {
	f.received.Add(1)
	f.lastMsgNS.Store(time.Now().UnixNano())

	// The feed batches events into JSON arrays; single objects also occur.
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			f.dropped.Add(1)
			return
		}
		for _, item := range items {
			f.handleEvent(item)
		}
		return
	}
	f.handleEvent(trimmed)
}

func (f *Feed) handleEvent(raw json.RawMessage) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		f.dropped.Add(1)
		return
	}
	if envelope.EventType != "book" {
		return
	}
	snap, err := ParseSnapshot(raw)
	if err != nil {
		// Invalid books are counted, not raised; the prior snapshot stays.
		f.dropped.Add(1)
		if f.log != nil {
			f.log.Debug("dropped book update", zap.Error(err))
		}
		return
	}
	f.mu.Lock()
	f.cache[snap.AssetID] = snap
	f.mu.Unlock()
	f.applied.Add(1)
}

func trimLeadingSpace(raw []byte) []byte {
	for len(raw) > 0 {
		switch raw[0] {
		case ' ', '\t', '\n', '\r':
			raw = raw[1:]
		default:
			return raw
		}
	}
	return raw
}
