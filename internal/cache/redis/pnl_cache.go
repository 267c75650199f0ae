package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketwheel/sentinel/internal/domain"
)

// PnlCache implements domain.PnlCache using Redis hashes. Each position's
// live PnL is stored as a hash at key "pnl:{positionID}" with fields "pnl",
// "pnl_pct", "ltp", "hwm", and "ts" (Unix nanosecond write timestamp).
// Every write refreshes the hours-scale TTL; readers judge staleness
// themselves via the "ts" field, well before the TTL expires.
type PnlCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPnlCache creates a PnlCache backed by the given Client. Entries expire
// after ttl unless rewritten.
func NewPnlCache(c *Client, ttl time.Duration) *PnlCache {
	return &PnlCache{rdb: c.Underlying(), ttl: ttl}
}

func pnlKey(positionID string) string {
	return "pnl:" + positionID
}

func entryFields(e domain.PnlEntry) map[string]interface{} {
	return map[string]interface{}{
		"pnl":     strconv.FormatFloat(e.PnL, 'f', -1, 64),
		"pnl_pct": strconv.FormatFloat(e.PnLPct, 'f', -1, 64),
		"ltp":     strconv.FormatFloat(e.LastPrice, 'f', -1, 64),
		"hwm":     strconv.FormatFloat(e.HighWaterMark, 'f', -1, 64),
		"ts":      strconv.FormatInt(e.WrittenAt.UnixNano(), 10),
	}
}

// Put stores a single PnL entry and refreshes its TTL.
func (pc *PnlCache) Put(ctx context.Context, positionID string, e domain.PnlEntry) error {
	key := pnlKey(positionID)
	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, entryFields(e))
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put pnl %s: %w", positionID, err)
	}
	return nil
}

// PutBatch stores multiple PnL entries in a single pipeline round trip.
// This is the write path of the batching writer fed by the tick stream.
func (pc *PnlCache) PutBatch(ctx context.Context, entries map[string]domain.PnlEntry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := pc.rdb.Pipeline()
	for id, e := range entries {
		key := pnlKey(id)
		pipe.HSet(ctx, key, entryFields(e))
		if pc.ttl > 0 {
			pipe.Expire(ctx, key, pc.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put pnl batch (%d entries): %w", len(entries), err)
	}
	return nil
}

// Get retrieves the PnL entry for a position. It returns domain.ErrNotFound
// when no entry exists. Staleness is not judged here; callers compare
// PnlEntry.WrittenAt against their own threshold.
func (pc *PnlCache) Get(ctx context.Context, positionID string) (domain.PnlEntry, error) {
	vals, err := pc.rdb.HGetAll(ctx, pnlKey(positionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.PnlEntry{}, fmt.Errorf("redis: get pnl %s: %w", positionID, err)
	}
	if len(vals) == 0 {
		return domain.PnlEntry{}, domain.ErrNotFound
	}

	var e domain.PnlEntry
	if e.PnL, err = parseField(vals, "pnl"); err != nil {
		return domain.PnlEntry{}, fmt.Errorf("redis: pnl %s: %w", positionID, err)
	}
	if e.PnLPct, err = parseField(vals, "pnl_pct"); err != nil {
		return domain.PnlEntry{}, fmt.Errorf("redis: pnl %s: %w", positionID, err)
	}
	if e.LastPrice, err = parseField(vals, "ltp"); err != nil {
		return domain.PnlEntry{}, fmt.Errorf("redis: pnl %s: %w", positionID, err)
	}
	if e.HighWaterMark, err = parseField(vals, "hwm"); err != nil {
		return domain.PnlEntry{}, fmt.Errorf("redis: pnl %s: %w", positionID, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.PnlEntry{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.PnlEntry{}, fmt.Errorf("redis: pnl %s: parse ts: %w", positionID, err)
	}
	e.WrittenAt = time.Unix(0, tsNano)

	return e, nil
}

// Delete removes the PnL entry for a position, typically on exit.
func (pc *PnlCache) Delete(ctx context.Context, positionID string) error {
	if err := pc.rdb.Del(ctx, pnlKey(positionID)).Err(); err != nil {
		return fmt.Errorf("redis: delete pnl %s: %w", positionID, err)
	}
	return nil
}

func parseField(vals map[string]string, field string) (float64, error) {
	s, ok := vals[field]
	if !ok {
		return 0, domain.ErrNotFound
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return f, nil
}

// Compile-time interface check.
var _ domain.PnlCache = (*PnlCache)(nil)
