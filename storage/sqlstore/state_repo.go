package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/oauthstate"
)

// StateRepo implements oauthstate.Repo.
type StateRepo struct {
	store *Store
}

var _ oauthstate.Repo = (*StateRepo)(nil)

const stateColumns = `id, state, provider, integration_name, tenant_id, code_verifier_encrypted, redirect_uri, created_at, consumed_at`

func (r *StateRepo) Create(ctx context.Context, state *oauthstate.State) error {
	if state == nil || state.Token == "" {
		return apperrors.Wrapf(apperrors.ErrMissingField, "state token is required")
	}
	_, err := r.store.exec(ctx, `INSERT INTO oauth_states (`+stateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.Token, state.Provider, state.IntegrationName, state.TenantID,
		state.CodeVerifierEncrypted, state.RedirectURI, utc(state.CreatedAt), nullTime(state.ConsumedAt))
	if err != nil {
		return fmt.Errorf("[sqlstore StateRepo.Create] %w", err)
	}
	return nil
}

// Consume claims the state with a conditional update so only one caller can win.
func (r *StateRepo) Consume(ctx context.Context, token string, at time.Time) (*oauthstate.State, error) {
	res, err := r.store.exec(ctx, `UPDATE oauth_states SET consumed_at = ? WHERE state = ? AND consumed_at IS NULL`, utc(at), token)
	if err != nil {
		return nil, fmt.Errorf("[sqlstore StateRepo.Consume] %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("[sqlstore StateRepo.Consume] %w", err)
	}

	state, err := scanState(r.store.queryRow(ctx, `SELECT `+stateColumns+` FROM oauth_states WHERE state = ?`, token))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, apperrors.ErrInvalidState
	case err != nil:
		return nil, fmt.Errorf("[sqlstore StateRepo.Consume] %w", err)
	case claimed == 0:
		return nil, apperrors.ErrAlreadyConsumed
	}
	return state, nil
}

func (r *StateRepo) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.store.exec(ctx, `DELETE FROM oauth_states WHERE created_at < ?`, utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("[sqlstore StateRepo.DeleteCreatedBefore] %w", err)
	}
	return res.RowsAffected()
}

func scanState(row *sql.Row) (*oauthstate.State, error) {
	var (
		s          oauthstate.State
		consumedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.Token, &s.Provider, &s.IntegrationName, &s.TenantID,
		&s.CodeVerifierEncrypted, &s.RedirectURI, &s.CreatedAt, &consumedAt)
	if err != nil {
		return nil, err
	}
	s.ConsumedAt = timePtr(consumedAt)
	return &s, nil
}
