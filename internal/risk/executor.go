package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marketwheel/sentinel/internal/cache/local"
	"github.com/marketwheel/sentinel/internal/domain"
)

// Validation and failure reasons reported through ExitOutcome.Reason.
const (
	OutcomeUnknownPosition   = "unknown_position"
	OutcomeBrokerUnavailable = "broker_unavailable"
	OutcomeBlankReason       = "blank_reason"
	OutcomeAlreadyExited     = "already_exited"
	OutcomeNotActive         = "not_active"
	OutcomeLocked            = "exit_in_progress"
	OutcomeCircuitOpen       = "circuit_open"
	OutcomeBrokerError       = "broker_error"
	OutcomeBrokerRejected    = "broker_rejected"
	OutcomePersistFailed     = "persist_failed"
	OutcomeStoreError        = "store_error"
)

// EventSink receives exit lifecycle events for operator notification.
type EventSink interface {
	Publish(event, text string)
}

// Executor closes positions exactly once. It serialises attempts per
// position in-process, optionally holds a cross-process lock, places the
// broker order through the circuit breaker, and records the transition in
// the durable store before touching any cache tier.
type Executor struct {
	store   domain.PositionStore
	local   *local.Cache
	pnl     domain.PnlCache
	feed    domain.TickSource
	broker  domain.Broker
	breaker *CircuitBreaker

	locks   domain.LockManager // nil when single-process
	lockTTL time.Duration

	callTimeout time.Duration
	events      EventSink // nil when notifications are off
	stats       *Stats
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]*positionLock
}

// positionLock serialises exit attempts for one position. refs counts the
// holders and waiters so the map entry can be dropped once the last one
// leaves.
type positionLock struct {
	mu   sync.Mutex
	refs int
}

// ExecutorOptions collects the optional collaborators.
type ExecutorOptions struct {
	Locks   domain.LockManager
	LockTTL time.Duration
	Events  EventSink
}

// NewExecutor wires an executor. store, cache tiers, feed, broker and
// breaker are required; opts may be zero.
func NewExecutor(
	store domain.PositionStore,
	localCache *local.Cache,
	pnl domain.PnlCache,
	feed domain.TickSource,
	broker domain.Broker,
	breaker *CircuitBreaker,
	callTimeout time.Duration,
	stats *Stats,
	logger *slog.Logger,
	opts ExecutorOptions,
) *Executor {
	return &Executor{
		store:       store,
		local:       localCache,
		pnl:         pnl,
		feed:        feed,
		broker:      broker,
		breaker:     breaker,
		locks:       opts.Locks,
		lockTTL:     opts.LockTTL,
		callTimeout: callTimeout,
		events:      opts.Events,
		stats:       stats,
		logger:      logger.With(slog.String("component", "exit_executor")),
		inflight:    make(map[string]*positionLock),
	}
}

// ExecuteExit closes the position with the given reason. Validation
// failures come back as unsuccessful outcomes, never errors; Err is set only
// for external failures (broker, store) that were also logged and recorded.
// Repeated calls for an exited position return success with the recorded
// price, so callers may retry freely.
func (x *Executor) ExecuteExit(ctx context.Context, positionID, reason string) domain.ExitOutcome {
	outcome := x.execute(ctx, positionID, reason)

	result := "failed"
	if outcome.Success {
		result = "ok"
	}
	exitsTotal.WithLabelValues(reason, result).Inc()
	if x.stats != nil {
		x.stats.RecordExit(reason, outcome.Success)
	}
	return outcome
}

func (x *Executor) execute(ctx context.Context, positionID, reason string) domain.ExitOutcome {
	p, err := x.store.GetByID(ctx, positionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ExitOutcome{Reason: OutcomeUnknownPosition}
		}
		x.logger.Error("position lookup failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
		return domain.ExitOutcome{Reason: OutcomeStoreError, Err: err}
	}

	if x.broker == nil {
		return domain.ExitOutcome{Reason: OutcomeBrokerUnavailable, Err: domain.ErrBrokerUnavailable}
	}
	if reason == "" {
		return domain.ExitOutcome{Reason: OutcomeBlankReason}
	}

	switch p.Status {
	case domain.PositionStatusExited:
		return domain.ExitOutcome{Success: true, Reason: OutcomeAlreadyExited, ExitPrice: p.ExitPrice}
	case domain.PositionStatusActive:
	default:
		return domain.ExitOutcome{Reason: OutcomeNotActive}
	}

	// Serialise attempts for this position within the process. The loser of
	// the race re-reads below and sees the winner's transition.
	posLock := x.acquirePosition(positionID)
	posLock.mu.Lock()
	defer func() {
		posLock.mu.Unlock()
		x.releasePosition(positionID, posLock)
	}()

	if x.locks != nil {
		unlock, err := x.locks.Acquire(ctx, "exit:"+positionID, x.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return x.resolveContended(ctx, positionID)
			}
			x.logger.Warn("exit lock acquire failed, proceeding on local lock only",
				slog.String("position_id", positionID),
				slog.String("error", err.Error()),
			)
		} else {
			defer unlock()
		}
	}

	// Re-read under the lock: a concurrent caller may have finished the exit
	// while this one waited.
	p, err = x.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.ExitOutcome{Reason: OutcomeStoreError, Err: err}
	}
	switch p.Status {
	case domain.PositionStatusExited:
		return domain.ExitOutcome{Success: true, Reason: OutcomeAlreadyExited, ExitPrice: p.ExitPrice}
	case domain.PositionStatusActive:
	default:
		return domain.ExitOutcome{Reason: OutcomeNotActive}
	}

	var res domain.ExitResult
	prevState := x.breaker.State()
	callErr := x.breaker.Call(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, x.callTimeout)
		defer cancel()

		var err error
		res, err = x.broker.ExitMarket(callCtx, p)
		return err
	})
	breakerStateGauge.Set(float64(x.breaker.State()))

	if callErr != nil {
		if errors.Is(callErr, domain.ErrCircuitOpen) {
			x.logger.Warn("exit blocked by open circuit", slog.String("position_id", positionID))
			return domain.ExitOutcome{Reason: OutcomeCircuitOpen, Err: callErr}
		}
		// Notify once per opening, not on every blocked attempt.
		if prevState != BreakerOpen && x.breaker.State() == BreakerOpen {
			x.publish("breaker_open", fmt.Sprintf("broker circuit opened after repeated failures (last: %s)", p.Symbol))
		}
		x.logger.Error("broker exit failed",
			slog.String("position_id", positionID),
			slog.String("reason", reason),
			slog.String("error", callErr.Error()),
		)
		x.publish("exit_failed", fmt.Sprintf("broker exit failed for %s: %v", p.Symbol, callErr))
		return domain.ExitOutcome{Reason: OutcomeBrokerError, Err: callErr}
	}

	if !res.Ok() {
		x.logger.Error("broker rejected exit",
			slog.String("position_id", positionID),
			slog.String("reason", reason),
		)
		x.publish("exit_failed", fmt.Sprintf("broker rejected exit for %s", p.Symbol))
		return domain.ExitOutcome{Reason: OutcomeBrokerRejected}
	}

	exitPrice := res.ExitPrice
	if exitPrice <= 0 {
		if snap, ok := x.local.Get(positionID); ok {
			exitPrice = snap.LastPrice
		}
	}

	if err := x.store.MarkExited(ctx, positionID, exitPrice, reason); err != nil {
		// The broker order went through. If any path already recorded the
		// exit, this attempt still counts as success; anything else means the
		// order is live but unrecorded and needs eyes.
		if errors.Is(err, domain.ErrAlreadyExited) {
			x.cleanup(p)
			return domain.ExitOutcome{Success: true, Reason: reason, ExitPrice: &exitPrice}
		}
		if fresh, rerr := x.store.GetByID(ctx, positionID); rerr == nil && fresh.Status == domain.PositionStatusExited {
			x.cleanup(p)
			return domain.ExitOutcome{Success: true, Reason: reason, ExitPrice: fresh.ExitPrice}
		}
		x.logger.Error("exit placed but not recorded, manual reconciliation required",
			slog.String("position_id", positionID),
			slog.Float64("exit_price", exitPrice),
			slog.String("error", err.Error()),
		)
		x.publish("exit_failed", fmt.Sprintf("exit for %s placed but not recorded", p.Symbol))
		return domain.ExitOutcome{Reason: OutcomePersistFailed, Err: err}
	}

	x.cleanup(p)

	x.logger.Info("position exited",
		slog.String("position_id", positionID),
		slog.String("symbol", p.Symbol),
		slog.String("reason", reason),
		slog.Float64("exit_price", exitPrice),
	)
	x.publish("position_exited", fmt.Sprintf("%s exited (%s) at %.2f", p.Symbol, reason, exitPrice))

	return domain.ExitOutcome{Success: true, Reason: reason, ExitPrice: &exitPrice}
}

// resolveContended handles a cross-process lock conflict: if the other
// holder finished the exit, report success; otherwise report the conflict
// and let the caller retry on the next cycle.
func (x *Executor) resolveContended(ctx context.Context, positionID string) domain.ExitOutcome {
	if p, err := x.store.GetByID(ctx, positionID); err == nil && p.Status == domain.PositionStatusExited {
		return domain.ExitOutcome{Success: true, Reason: OutcomeAlreadyExited, ExitPrice: p.ExitPrice}
	}
	return domain.ExitOutcome{Reason: OutcomeLocked}
}

// cleanup drops the exited position from the fast tiers and releases the
// tick subscription when no other position shares the instrument. Cache
// failures are logged, not surfaced: the durable store already holds the
// truth.
func (x *Executor) cleanup(p domain.Position) {
	x.local.Remove(p.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := x.pnl.Delete(ctx, p.ID); err != nil {
		x.logger.Warn("pnl cache delete failed",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}

	if x.feed != nil && !x.local.HasInstrument(p.InstrumentID) {
		if err := x.feed.Unsubscribe(p.Segment, p.InstrumentID); err != nil {
			x.logger.Warn("unsubscribe failed",
				slog.String("instrument_id", p.InstrumentID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (x *Executor) acquirePosition(id string) *positionLock {
	x.mu.Lock()
	defer x.mu.Unlock()

	l, ok := x.inflight[id]
	if !ok {
		l = &positionLock{}
		x.inflight[id] = l
	}
	l.refs++
	return l
}

func (x *Executor) releasePosition(id string, l *positionLock) {
	x.mu.Lock()
	defer x.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(x.inflight, id)
	}
}

func (x *Executor) publish(event, text string) {
	if x.events != nil {
		x.events.Publish(event, text)
	}
}

// NullExecutor satisfies the executor contract without ever placing orders.
// Used in monitor mode and as the degraded fallback when no broker is
// configured: decisions are logged, nothing is closed.
type NullExecutor struct {
	logger *slog.Logger
}

// NewNullExecutor creates the no-op executor.
func NewNullExecutor(logger *slog.Logger) *NullExecutor {
	return &NullExecutor{logger: logger.With(slog.String("component", "null_executor"))}
}

// ExecuteExit logs the decision and reports failure with the broker
// unavailable reason.
func (x *NullExecutor) ExecuteExit(ctx context.Context, positionID, reason string) domain.ExitOutcome {
	x.logger.Info("exit suppressed",
		slog.String("position_id", positionID),
		slog.String("reason", reason),
	)
	return domain.ExitOutcome{Reason: OutcomeBrokerUnavailable}
}

// Compile-time interface checks.
var (
	_ domain.ExitExecutorLike = (*Executor)(nil)
	_ domain.ExitExecutorLike = (*NullExecutor)(nil)
)
