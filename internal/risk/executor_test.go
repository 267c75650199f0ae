package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwheel/sentinel/internal/cache/local"
	"github.com/marketwheel/sentinel/internal/domain"
)

// fakeStore is an in-memory position store with real transition semantics.
type fakeStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position

	failMarkExited error // when set, MarkExited fails once with this error
}

func newFakeStore(positions ...domain.Position) *fakeStore {
	s := &fakeStore{positions: make(map[string]domain.Position)}
	for _, p := range positions {
		s.positions[p.ID] = p
	}
	return s
}

func (s *fakeStore) Create(ctx context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	return nil
}

func (s *fakeStore) Activate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.PositionStatusPending {
		return domain.ErrNotActive
	}
	p.Status = domain.PositionStatusActive
	s.positions[id] = p
	return nil
}

func (s *fakeStore) MarkExited(ctx context.Context, id string, exitPrice float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failMarkExited != nil {
		err := s.failMarkExited
		s.failMarkExited = nil
		return err
	}

	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	switch p.Status {
	case domain.PositionStatusExited:
		return domain.ErrAlreadyExited
	case domain.PositionStatusActive:
	default:
		return domain.ErrNotActive
	}

	now := time.Now()
	p.Status = domain.PositionStatusExited
	p.ExitedAt = &now
	p.ExitPrice = &exitPrice
	p.ExitReason = reason
	s.positions[id] = p
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) FindActive(ctx context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.PositionStatusActive {
			out = append(out, p)
		}
	}
	return out, nil
}

// fakeBroker counts calls and returns a fixed response.
type fakeBroker struct {
	mu     sync.Mutex
	calls  int
	result domain.ExitResult
	err    error
}

func (b *fakeBroker) ExitMarket(ctx context.Context, p domain.Position) (domain.ExitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.result, b.err
}

func (b *fakeBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// fakePnlCache is a map-backed PnlCache.
type fakePnlCache struct {
	mu      sync.Mutex
	entries map[string]domain.PnlEntry
}

func newFakePnlCache() *fakePnlCache {
	return &fakePnlCache{entries: make(map[string]domain.PnlEntry)}
}

func (c *fakePnlCache) Put(ctx context.Context, id string, e domain.PnlEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = e
	return nil
}

func (c *fakePnlCache) PutBatch(ctx context.Context, entries map[string]domain.PnlEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range entries {
		c.entries[id] = e
	}
	return nil
}

func (c *fakePnlCache) Get(ctx context.Context, id string) (domain.PnlEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return domain.PnlEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (c *fakePnlCache) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

// fakeFeed records subscription changes.
type fakeFeed struct {
	mu           sync.Mutex
	subscribed   map[string]bool
	unsubscribes []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subscribed: make(map[string]bool)}
}

func (f *fakeFeed) Subscribe(segment, instrumentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[instrumentID] = true
	return nil
}

func (f *fakeFeed) Unsubscribe(segment, instrumentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, instrumentID)
	f.unsubscribes = append(f.unsubscribes, instrumentID)
	return nil
}

func (f *fakeFeed) unsubscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribes...)
}

// fakeEvents records published notification events.
type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEvents) Publish(event, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *fakeEvents) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == event {
			n++
		}
	}
	return n
}

type executorFixture struct {
	store  *fakeStore
	local  *local.Cache
	pnl    *fakePnlCache
	feed   *fakeFeed
	broker *fakeBroker
	exec   *Executor
}

func newExecutorFixture(t *testing.T, positions ...domain.Position) *executorFixture {
	t.Helper()

	f := &executorFixture{
		store:  newFakeStore(positions...),
		local:  local.New(),
		pnl:    newFakePnlCache(),
		feed:   newFakeFeed(),
		broker: &fakeBroker{result: domain.ExitResult{Success: true, ExitPrice: 98.5}},
	}
	for _, p := range positions {
		if p.Status == domain.PositionStatusActive {
			f.local.Add(p, p.StopPrice, p.TargetPrice)
		}
	}
	f.exec = NewExecutor(
		f.store, f.local, f.pnl, f.feed, f.broker,
		NewCircuitBreaker(5, 30*time.Second),
		5*time.Second,
		NewStats(),
		testLogger(),
		ExecutorOptions{},
	)
	return f
}

func TestExecuteExitHappyPath(t *testing.T) {
	p := longPosition(100)
	f := newExecutorFixture(t, p)
	ctx := context.Background()

	out := f.exec.ExecuteExit(ctx, p.ID, ReasonStopLoss)

	require.True(t, out.Success)
	assert.Equal(t, ReasonStopLoss, out.Reason)
	require.NotNil(t, out.ExitPrice)
	assert.Equal(t, 98.5, *out.ExitPrice)

	// Durable record transitioned with exit fields set.
	stored, err := f.store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusExited, stored.Status)
	assert.Equal(t, ReasonStopLoss, stored.ExitReason)

	// Fast tiers cleaned up, subscription released.
	_, ok := f.local.Get(p.ID)
	assert.False(t, ok)
	_, err = f.pnl.Get(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, f.feed.unsubscribed(), p.InstrumentID)
}

func TestExecuteExitValidation(t *testing.T) {
	p := longPosition(100)
	pending := longPosition(100)
	pending.ID = "pos-2"
	pending.Status = domain.PositionStatusPending

	f := newExecutorFixture(t, p, pending)
	ctx := context.Background()

	t.Run("unknown position", func(t *testing.T) {
		out := f.exec.ExecuteExit(ctx, "no-such-id", ReasonStopLoss)
		assert.False(t, out.Success)
		assert.Equal(t, OutcomeUnknownPosition, out.Reason)
	})

	t.Run("blank reason", func(t *testing.T) {
		out := f.exec.ExecuteExit(ctx, p.ID, "")
		assert.False(t, out.Success)
		assert.Equal(t, OutcomeBlankReason, out.Reason)
	})

	t.Run("not active", func(t *testing.T) {
		out := f.exec.ExecuteExit(ctx, pending.ID, ReasonStopLoss)
		assert.False(t, out.Success)
		assert.Equal(t, OutcomeNotActive, out.Reason)
	})

	t.Run("no broker", func(t *testing.T) {
		g := newExecutorFixture(t, p)
		g.exec.broker = nil
		out := g.exec.ExecuteExit(ctx, p.ID, ReasonStopLoss)
		assert.False(t, out.Success)
		assert.Equal(t, OutcomeBrokerUnavailable, out.Reason)
		assert.ErrorIs(t, out.Err, domain.ErrBrokerUnavailable)
	})

	// No validation failure reached the broker.
	assert.Equal(t, 0, f.broker.callCount())
}

func TestExecuteExitIdempotent(t *testing.T) {
	p := longPosition(100)
	f := newExecutorFixture(t, p)
	ctx := context.Background()

	first := f.exec.ExecuteExit(ctx, p.ID, ReasonTakeProfit)
	require.True(t, first.Success)

	second := f.exec.ExecuteExit(ctx, p.ID, ReasonStopLoss)
	require.True(t, second.Success, "repeat exit is success, not an error")
	assert.Equal(t, OutcomeAlreadyExited, second.Reason)
	require.NotNil(t, second.ExitPrice)
	assert.Equal(t, *first.ExitPrice, *second.ExitPrice)

	assert.Equal(t, 1, f.broker.callCount(), "broker called exactly once")
}

func TestExecuteExitConcurrentSingleTransition(t *testing.T) {
	p := longPosition(100)
	f := newExecutorFixture(t, p)
	ctx := context.Background()

	const callers = 16
	outcomes := make([]domain.ExitOutcome, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.exec.ExecuteExit(ctx, p.ID, ReasonSessionEnd)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.broker.callCount(), "exactly one broker order")

	winners := 0
	for _, out := range outcomes {
		require.True(t, out.Success)
		if out.Reason == ReasonSessionEnd {
			winners++
		} else {
			assert.Equal(t, OutcomeAlreadyExited, out.Reason)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestExecuteExitBrokerFailure(t *testing.T) {
	p := longPosition(100)
	f := newExecutorFixture(t, p)
	f.broker.err = errBroker
	ctx := context.Background()

	out := f.exec.ExecuteExit(ctx, p.ID, ReasonStopLoss)
	require.False(t, out.Success)
	assert.Equal(t, OutcomeBrokerError, out.Reason)
	assert.ErrorIs(t, out.Err, errBroker)

	// Position stays active and in the local tier for the next attempt.
	stored, err := f.store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusActive, stored.Status)
	_, ok := f.local.Get(p.ID)
	assert.True(t, ok)
}

func TestExecuteExitBrokerRejection(t *testing.T) {
	p := longPosition(100)
	f := newExecutorFixture(t, p)
	f.broker.result = domain.ExitResult{Success: "no"}
	ctx := context.Background()

	out := f.exec.ExecuteExit(ctx, p.ID, ReasonStopLoss)
	require.False(t, out.Success)
	assert.Equal(t, OutcomeBrokerRejected, out.Reason)
}

func TestExecuteExitCircuitOpen(t *testing.T) {
	p := longPosition(100)
	f := newExecutorFixture(t, p)
	f.exec.breaker = NewCircuitBreaker(1, time.Minute)
	f.broker.err = errBroker
	ctx := context.Background()

	out := f.exec.ExecuteExit(ctx, p.ID, ReasonStopLoss)
	require.Equal(t, OutcomeBrokerError, out.Reason)

	// Breaker opened: the next attempt is rejected without a broker call.
	out = f.exec.ExecuteExit(ctx, p.ID, ReasonStopLoss)
	require.False(t, out.Success)
	assert.Equal(t, OutcomeCircuitOpen, out.Reason)
	assert.ErrorIs(t, out.Err, domain.ErrCircuitOpen)
	assert.Equal(t, 1, f.broker.callCount())
}

func TestBreakerOpenNotifiedOnceOnTransition(t *testing.T) {
	p := longPosition(100)
	f := newExecutorFixture(t, p)
	events := &fakeEvents{}
	f.exec.events = events
	f.exec.breaker = NewCircuitBreaker(2, time.Minute)
	f.broker.err = errBroker
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.exec.ExecuteExit(ctx, p.ID, ReasonStopLoss)
	}

	assert.Equal(t, 2, f.broker.callCount(), "circuit opened after the threshold")
	assert.Equal(t, 1, events.count("breaker_open"),
		"one notification for the opening, none for blocked attempts")
}

func TestPositionLockMapPruned(t *testing.T) {
	a := longPosition(100)
	b := longPosition(100)
	b.ID = "pos-2"

	f := newExecutorFixture(t, a, b)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.exec.ExecuteExit(ctx, a.ID, ReasonSessionEnd)
		}()
	}
	wg.Wait()
	f.exec.ExecuteExit(ctx, b.ID, ReasonSessionEnd)

	f.exec.mu.Lock()
	defer f.exec.mu.Unlock()
	assert.Empty(t, f.exec.inflight, "per-position locks released once the exits drain")
}

func TestExecuteExitPartialSuccess(t *testing.T) {
	ctx := context.Background()

	t.Run("store already recorded the exit", func(t *testing.T) {
		p := longPosition(100)
		f := newExecutorFixture(t, p)
		f.store.failMarkExited = domain.ErrAlreadyExited

		out := f.exec.ExecuteExit(ctx, p.ID, ReasonStopLoss)
		require.True(t, out.Success, "order filled and exit recorded elsewhere is success")
	})

	t.Run("order placed but not recorded", func(t *testing.T) {
		p := longPosition(100)
		f := newExecutorFixture(t, p)
		f.store.failMarkExited = errors.New("connection reset")

		out := f.exec.ExecuteExit(ctx, p.ID, ReasonStopLoss)
		require.False(t, out.Success)
		assert.Equal(t, OutcomePersistFailed, out.Reason)
		assert.Error(t, out.Err)
	})
}

func TestCleanupKeepsSharedInstrumentSubscription(t *testing.T) {
	a := longPosition(100)
	b := longPosition(100)
	b.ID = "pos-2"

	// Same instrument on both positions.
	f := newExecutorFixture(t, a, b)
	ctx := context.Background()

	out := f.exec.ExecuteExit(ctx, a.ID, ReasonTakeProfit)
	require.True(t, out.Success)
	assert.Empty(t, f.feed.unsubscribed(), "instrument still needed by pos-2")

	out = f.exec.ExecuteExit(ctx, b.ID, ReasonTakeProfit)
	require.True(t, out.Success)
	assert.Contains(t, f.feed.unsubscribed(), a.InstrumentID)
}
