package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pm-spread-bot/internal/pm/clob"
	"pm-spread-bot/internal/state"
)

// Gateway is the slice of the exchange client the executor drives.
type Gateway interface {
	PlaceOrder(ctx context.Context, args clob.OrderArgs) (clob.PlacedOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) error
}

// Request is one order submission plus the client order id that makes it
// idempotent across restarts. An empty ClientOrderID gets one assigned.
type Request struct {
	Args          clob.OrderArgs
	ClientOrderID string
}

// Result reports one leg of a submission. Err is per-leg: a pair placement
// can succeed on one side and fail on the other.
type Result struct {
	OrderID       string
	ClientOrderID string
	Err           error
}

// Executor wraps the exchange gateway with idempotent placement and
// retried cancellation. Placements are never blindly retried: a timed-out
// POST may still have landed an order, so ambiguity is resolved through
// the client order id record instead of resubmission.
type Executor struct {
	gateway Gateway
	store   state.Store
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string]string // cloid -> exchange order id
	ids   map[string]string // exchange order id -> cloid
}

func New(gateway Gateway, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		gateway: gateway,
		store:   store,
		log:     log,
		cache:   make(map[string]string),
		ids:     make(map[string]string),
	}
}

// Place submits a single order. If the client order id was already placed,
// the recorded exchange order id is returned without touching the wire.
func (e *Executor) Place(ctx context.Context, req Request) (string, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	cacheKey := "cloid:" + req.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.ids[oid] = req.ClientOrderID
			e.mu.Unlock()
			return oid, nil
		}
	}

	placed, err := e.gateway.PlaceOrder(ctx, req.Args)
	if err != nil {
		return "", err
	}
	if placed.ID == "" {
		return "", errors.New("exec: empty order id")
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, placed.ID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
		// Reverse record so the idempotency entry can be pruned by order id
		// after the order leaves the book, restarts included.
		if err := e.store.Set(ctx, "oid:"+placed.ID, req.ClientOrderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = placed.ID
	e.ids[placed.ID] = req.ClientOrderID
	e.mu.Unlock()
	return placed.ID, nil
}

// PlacePair submits both legs of a quote concurrently. Each result carries
// its own error; the caller decides what to do with a one-sided fill.
func (e *Executor) PlacePair(ctx context.Context, yes, no Request) (Result, Result) {
	if yes.ClientOrderID == "" {
		yes.ClientOrderID = uuid.NewString()
	}
	if no.ClientOrderID == "" {
		no.ClientOrderID = uuid.NewString()
	}
	var wg sync.WaitGroup
	var yesRes, noRes Result
	wg.Add(2)
	go func() {
		defer wg.Done()
		id, err := e.Place(ctx, yes)
		yesRes = Result{OrderID: id, ClientOrderID: yes.ClientOrderID, Err: err}
	}()
	go func() {
		defer wg.Done()
		id, err := e.Place(ctx, no)
		noRes = Result{OrderID: id, ClientOrderID: no.ClientOrderID, Err: err}
	}()
	wg.Wait()
	return yesRes, noRes
}

// Cancel retries transient failures. An order the exchange no longer knows
// counts as cancelled.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	return e.retry(ctx, func() error {
		err := e.gateway.CancelOrder(ctx, orderID)
		if errors.Is(err, clob.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (e *Executor) CancelAll(ctx context.Context) error {
	return e.retry(ctx, func() error {
		return e.gateway.CancelAll(ctx)
	})
}

// Forget drops the idempotency record for a client order id, allowing a
// replacement order to reuse it after the original was cancelled.
func (e *Executor) Forget(ctx context.Context, clientOrderID string) {
	cacheKey := "cloid:" + clientOrderID
	e.mu.Lock()
	delete(e.cache, cacheKey)
	e.mu.Unlock()
	if e.store != nil {
		if err := e.store.Delete(ctx, cacheKey); err != nil {
			e.log.Warn("failed to drop order id record", zap.Error(err))
		}
	}
}

// Release prunes every idempotency record tied to an exchange order id once
// the order has left the book. Without it the store grows one dead row per
// placement.
func (e *Executor) Release(ctx context.Context, orderID string) {
	if orderID == "" {
		return
	}
	e.mu.Lock()
	cloid, ok := e.ids[orderID]
	if ok {
		delete(e.ids, orderID)
		delete(e.cache, "cloid:"+cloid)
	}
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	if !ok {
		// An order placed by a previous run: resolve through the reverse
		// record.
		if v, found, err := e.store.Get(ctx, "oid:"+orderID); err == nil && found {
			cloid, ok = v, true
		}
	}
	if ok {
		if err := e.store.Delete(ctx, "cloid:"+cloid); err != nil {
			e.log.Warn("failed to drop order id record", zap.Error(err))
		}
	}
	if err := e.store.Delete(ctx, "oid:"+orderID); err != nil {
		e.log.Warn("failed to drop order id record", zap.Error(err))
	}
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if err := fn(); err != nil {
			if attempt == 4 {
				return fmt.Errorf("retry failed: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			continue
		}
		return nil
	}
	return nil
}
