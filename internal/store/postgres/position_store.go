package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketwheel/sentinel/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Status
// transitions are guarded in SQL so the store, not its callers, enforces
// the exactly-one-exit invariant.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, segment, instrument_id, symbol, index_class, direction,
	entry_price, quantity, status, stop_price, target_price, peak_profit_pct,
	entered_at, exited_at, exit_price, exit_reason`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var direction, status string

	err := row.Scan(
		&p.ID, &p.Segment, &p.InstrumentID, &p.Symbol, &p.IndexClass, &direction,
		&p.EntryPrice, &p.Quantity, &status, &p.StopPrice, &p.TargetPrice, &p.PeakProfitPct,
		&p.EnteredAt, &p.ExitedAt, &p.ExitPrice, &p.ExitReason,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// Create inserts a new position record.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, segment, instrument_id, symbol, index_class, direction,
			entry_price, quantity, status, stop_price, target_price, peak_profit_pct,
			entered_at, exited_at, exit_price, exit_reason, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Segment, p.InstrumentID, p.Symbol, p.IndexClass, string(p.Direction),
		p.EntryPrice, p.Quantity, string(p.Status), p.StopPrice, p.TargetPrice, p.PeakProfitPct,
		p.EnteredAt, p.ExitedAt, p.ExitPrice, p.ExitReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Activate transitions a pending position to active. It returns
// domain.ErrNotActive when the position is not pending (or missing).
func (s *PositionStore) Activate(ctx context.Context, id string) error {
	const query = `
		UPDATE positions SET
			status     = 'active',
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: activate position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: activate position %s: %w", id, domain.ErrNotActive)
	}
	return nil
}

// MarkExited transitions an active position to exited, recording the exit
// price and reason. The status guard in the WHERE clause makes the
// transition atomic: a second caller observes zero rows affected and gets
// domain.ErrAlreadyExited (if the record is exited) or domain.ErrNotActive.
func (s *PositionStore) MarkExited(ctx context.Context, id string, exitPrice float64, reason string) error {
	const query = `
		UPDATE positions SET
			status      = 'exited',
			exit_price  = $2,
			exit_reason = $3,
			exited_at   = NOW(),
			updated_at  = NOW()
		WHERE id = $1 AND status = 'active'`

	tag, err := s.pool.Exec(ctx, query, id, exitPrice, reason)
	if err != nil {
		return fmt.Errorf("postgres: mark exited %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// No transition happened; distinguish the idempotent case.
	p, err := s.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("postgres: mark exited %s: %w", id, err)
	}
	if p.Status == domain.PositionStatusExited {
		return fmt.Errorf("postgres: mark exited %s: %w", id, domain.ErrAlreadyExited)
	}
	return fmt.Errorf("postgres: mark exited %s (status %s): %w", id, p.Status, domain.ErrNotActive)
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// FindActive returns all positions currently in the active state.
func (s *PositionStore) FindActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'active'
		 ORDER BY entered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: find active positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var direction, status string
		if err := rows.Scan(
			&p.ID, &p.Segment, &p.InstrumentID, &p.Symbol, &p.IndexClass, &direction,
			&p.EntryPrice, &p.Quantity, &status, &p.StopPrice, &p.TargetPrice, &p.PeakProfitPct,
			&p.EnteredAt, &p.ExitedAt, &p.ExitPrice, &p.ExitReason,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan active position: %w", err)
		}
		p.Direction = domain.Direction(direction)
		p.Status = domain.PositionStatus(status)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListExitedBetween returns positions exited within [from, to), used by the
// exit-journal archiver.
func (s *PositionStore) ListExitedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'exited' AND exited_at >= $1 AND exited_at < $2
		 ORDER BY exited_at ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exited positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var direction, status string
		if err := rows.Scan(
			&p.ID, &p.Segment, &p.InstrumentID, &p.Symbol, &p.IndexClass, &direction,
			&p.EntryPrice, &p.Quantity, &status, &p.StopPrice, &p.TargetPrice, &p.PeakProfitPct,
			&p.EnteredAt, &p.ExitedAt, &p.ExitPrice, &p.ExitReason,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan exited position: %w", err)
		}
		p.Direction = domain.Direction(direction)
		p.Status = domain.PositionStatus(status)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan exited positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
