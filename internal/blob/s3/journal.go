package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketwheel/sentinel/internal/domain"
)

// exitLister is the slice of the position store the journal needs.
type exitLister interface {
	ListExitedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error)
}

// Journal archives closed positions as JSON Lines objects, one object per
// calendar day, keyed prefix/YYYY/MM/DD.jsonl. Re-running a day overwrites
// the object with the same complete data, so the upload is idempotent.
type Journal struct {
	client   *Client
	store    exitLister
	prefix   string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewJournal creates the exit journal archiver.
func NewJournal(client *Client, store exitLister, prefix string, interval time.Duration, logger *slog.Logger) *Journal {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Journal{
		client:   client,
		store:    store,
		prefix:   prefix,
		interval: interval,
		logger:   logger.With(slog.String("component", "exit_journal")),
		now:      time.Now,
	}
}

// journalRecord is one JSONL line of the archive.
type journalRecord struct {
	PositionID string    `json:"position_id"`
	Segment    string    `json:"segment"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	PnLPct     float64   `json:"pnl_pct"`
	Reason     string    `json:"reason"`
	EnteredAt  time.Time `json:"entered_at"`
	ExitedAt   time.Time `json:"exited_at"`
}

// Run archives the previous day once at startup, then on every interval.
func (j *Journal) Run(ctx context.Context) error {
	j.logger.Info("exit journal started", slog.Duration("interval", j.interval))
	defer j.logger.Info("exit journal stopped")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.archivePrevious(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.archivePrevious(ctx)
		}
	}
}

func (j *Journal) archivePrevious(ctx context.Context) {
	day := j.now().AddDate(0, 0, -1)
	if err := j.ArchiveDay(ctx, day); err != nil {
		j.logger.Error("exit journal archive failed",
			slog.String("day", day.Format("2006-01-02")),
			slog.String("error", err.Error()),
		)
	}
}

// ArchiveDay uploads every position exited on the given calendar day.
func (j *Journal) ArchiveDay(ctx context.Context, day time.Time) error {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.AddDate(0, 0, 1)

	exits, err := j.store.ListExitedBetween(ctx, from, to)
	if err != nil {
		return fmt.Errorf("s3blob: list exits: %w", err)
	}
	if len(exits) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range exits {
		rec := journalRecord{
			PositionID: p.ID,
			Segment:    p.Segment,
			Symbol:     p.Symbol,
			Direction:  string(p.Direction),
			EntryPrice: p.EntryPrice,
			Quantity:   p.Quantity,
			Reason:     p.ExitReason,
			EnteredAt:  p.EnteredAt,
		}
		if p.ExitPrice != nil {
			rec.ExitPrice = *p.ExitPrice
			rec.PnL, rec.PnLPct = p.PnL(*p.ExitPrice)
		}
		if p.ExitedAt != nil {
			rec.ExitedAt = *p.ExitedAt
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("s3blob: encode journal record: %w", err)
		}
	}

	key := fmt.Sprintf("%s/%s.jsonl", j.prefix, from.Format("2006/01/02"))
	if err := j.client.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return err
	}

	j.logger.Info("exit journal archived",
		slog.String("key", key),
		slog.Int("exits", len(exits)),
	)
	return nil
}
