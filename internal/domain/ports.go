package domain

import (
	"context"
	"strings"
	"time"
)

// PositionStore is the narrow durable-record API. It is the single point of
// truth for exited status; whenever cache tiers disagree, the store wins.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	// Activate transitions pending -> active. Invalid transitions error.
	Activate(ctx context.Context, id string) error
	// MarkExited transitions active -> exited exactly once. It returns
	// ErrAlreadyExited if the position is already exited and ErrNotActive
	// for any other invalid transition.
	MarkExited(ctx context.Context, id string, exitPrice float64, reason string) error
	GetByID(ctx context.Context, id string) (Position, error)
	FindActive(ctx context.Context) ([]Position, error)
}

// PnlCache is the shared fast tier holding live PnL snapshots.
type PnlCache interface {
	Put(ctx context.Context, positionID string, e PnlEntry) error
	PutBatch(ctx context.Context, entries map[string]PnlEntry) error
	// Get returns ErrNotFound when no entry exists. Freshness is judged by
	// the reader via PnlEntry.FreshAt; stale entries are treated as absent.
	Get(ctx context.Context, positionID string) (PnlEntry, error)
	Delete(ctx context.Context, positionID string) error
}

// LockManager provides cross-process locking for the exit path.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// TickSource manages live market-data subscriptions.
type TickSource interface {
	Subscribe(segment, instrumentID string) error
	Unsubscribe(segment, instrumentID string) error
}

// QuoteFetcher fetches last traded prices in bulk, one call per segment.
type QuoteFetcher interface {
	LastPrices(ctx context.Context, segment string, instrumentIDs []string) (map[string]float64, error)
}

// ExitResult is a broker response to an exit order. Venue adapters decode
// loosely typed payloads, so Success may arrive as a bool, a number, or a
// string; Ok normalises the encodings.
type ExitResult struct {
	Success   any
	ExitPrice float64
}

// Ok reports whether the broker accepted the exit.
func (r ExitResult) Ok() bool {
	switch v := r.Success.(type) {
	case bool:
		return v
	case int:
		return v == 1
	case float64:
		return v == 1
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s == "true" || s == "1" || s == "yes"
	default:
		return false
	}
}

// Broker is the minimal order-placement abstraction consumed by the exit
// executor. The wire protocol behind it is out of scope.
type Broker interface {
	ExitMarket(ctx context.Context, p Position) (ExitResult, error)
}

// ExitExecutorLike is the executor contract selected at construction time:
// the real executor in trading modes, a no-op variant for degraded startup.
type ExitExecutorLike interface {
	ExecuteExit(ctx context.Context, positionID, reason string) ExitOutcome
}
