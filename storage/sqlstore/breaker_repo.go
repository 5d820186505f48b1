package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jrsteele09/go-agent-gateway/breaker"
	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
)

// BreakerRepo implements breaker.Repo.
type BreakerRepo struct {
	store *Store
}

var _ breaker.Repo = (*BreakerRepo)(nil)

const breakerColumns = `agent_id, state, failure_count, success_count, last_failure_time, last_success_time, opened_at, updated_at`

func (r *BreakerRepo) Get(ctx context.Context, agentID string) (*breaker.Record, error) {
	rows, err := r.store.query(ctx, `SELECT `+breakerColumns+` FROM circuit_breaker_state WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, fmt.Errorf("[sqlstore BreakerRepo.Get] %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("[sqlstore BreakerRepo.Get] %w", err)
		}
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "breaker for agent %s", agentID)
	}
	return scanBreaker(rows)
}

func (r *BreakerRepo) Save(ctx context.Context, record *breaker.Record) error {
	if record == nil || record.AgentID == "" {
		return apperrors.Wrapf(apperrors.ErrMissingField, "breaker record needs an agent id")
	}
	_, err := r.store.exec(ctx, `
		INSERT INTO circuit_breaker_state (`+breakerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			success_count = excluded.success_count,
			last_failure_time = excluded.last_failure_time,
			last_success_time = excluded.last_success_time,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at`,
		record.AgentID, string(record.State), record.FailureCount, record.SuccessCount,
		nullTime(record.LastFailureTime), nullTime(record.LastSuccessTime), nullTime(record.OpenedAt), utc(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("[sqlstore BreakerRepo.Save] %w", err)
	}
	return nil
}

func (r *BreakerRepo) List(ctx context.Context) ([]*breaker.Record, error) {
	rows, err := r.store.query(ctx, `SELECT `+breakerColumns+` FROM circuit_breaker_state ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("[sqlstore BreakerRepo.List] %w", err)
	}
	defer rows.Close()

	var records []*breaker.Record
	for rows.Next() {
		rec, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("[sqlstore BreakerRepo.List] %w", err)
	}
	return records, nil
}

func scanBreaker(rows *sql.Rows) (*breaker.Record, error) {
	var rec breaker.Record
	var state string
	var lastFailure, lastSuccess, openedAt sql.NullTime
	if err := rows.Scan(&rec.AgentID, &state, &rec.FailureCount, &rec.SuccessCount,
		&lastFailure, &lastSuccess, &openedAt, &rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("[sqlstore scanBreaker] %w", err)
	}
	rec.State = breaker.State(state)
	rec.LastFailureTime = timePtr(lastFailure)
	rec.LastSuccessTime = timePtr(lastSuccess)
	rec.OpenedAt = timePtr(openedAt)
	return &rec, nil
}
