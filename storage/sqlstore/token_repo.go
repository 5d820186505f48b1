package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/vault"
)

// TokenRepo implements vault.Repo.
type TokenRepo struct {
	store *Store
}

var _ vault.Repo = (*TokenRepo)(nil)

// Upsert keeps the existing row's id and created_at when (tenant, integration) exists.
func (r *TokenRepo) Upsert(ctx context.Context, record *vault.Record) error {
	if record == nil || record.TenantID == "" || record.IntegrationName == "" {
		return apperrors.Wrapf(apperrors.ErrMissingField, "record needs tenant and integration")
	}
	expiresAt := nullTime(&record.ExpiresAt)
	_, err := r.store.exec(ctx, `
		INSERT INTO oauth_tokens (id, tenant_id, integration_name, provider, access_token_encrypted,
			refresh_token_encrypted, expires_at, token_type, scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, integration_name) DO UPDATE SET
			provider = excluded.provider,
			access_token_encrypted = excluded.access_token_encrypted,
			refresh_token_encrypted = excluded.refresh_token_encrypted,
			expires_at = excluded.expires_at,
			token_type = excluded.token_type,
			scope = excluded.scope,
			updated_at = excluded.updated_at`,
		record.ID, record.TenantID, record.IntegrationName, record.Provider, record.AccessTokenEncrypted,
		record.RefreshTokenEncrypted, expiresAt, record.TokenType, record.Scope,
		utc(record.CreatedAt), utc(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("[sqlstore TokenRepo.Upsert] %w", err)
	}
	return nil
}

func (r *TokenRepo) Get(ctx context.Context, tenantID, integration string) (*vault.Record, error) {
	var (
		rec       vault.Record
		expiresAt sql.NullTime
	)
	err := r.store.queryRow(ctx, `
		SELECT id, tenant_id, integration_name, provider, access_token_encrypted, refresh_token_encrypted,
			expires_at, token_type, scope, created_at, updated_at
		FROM oauth_tokens WHERE tenant_id = ? AND integration_name = ?`, tenantID, integration).
		Scan(&rec.ID, &rec.TenantID, &rec.IntegrationName, &rec.Provider, &rec.AccessTokenEncrypted,
			&rec.RefreshTokenEncrypted, &expiresAt, &rec.TokenType, &rec.Scope, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "token for %s/%s", tenantID, integration)
	}
	if err != nil {
		return nil, fmt.Errorf("[sqlstore TokenRepo.Get] %w", err)
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	if len(rec.RefreshTokenEncrypted) == 0 {
		rec.RefreshTokenEncrypted = nil
	}
	return &rec, nil
}

func (r *TokenRepo) Delete(ctx context.Context, tenantID, integration string) error {
	if _, err := r.store.exec(ctx, `DELETE FROM oauth_tokens WHERE tenant_id = ? AND integration_name = ?`, tenantID, integration); err != nil {
		return fmt.Errorf("[sqlstore TokenRepo.Delete] %w", err)
	}
	return nil
}
