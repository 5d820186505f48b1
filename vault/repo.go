package vault

import (
	"context"
	"time"
)

// Record is the persisted, encrypted form of an integration's provider credentials.
// There is at most one record per (TenantID, IntegrationName).
type Record struct {
	ID                    string
	TenantID              string
	IntegrationName       string
	Provider              string
	AccessTokenEncrypted  []byte
	RefreshTokenEncrypted []byte    // nil when the provider issued no refresh token
	ExpiresAt             time.Time // zero when the token does not expire
	TokenType             string
	Scope                 string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (r *Record) Copy() *Record {
	c := *r
	c.AccessTokenEncrypted = append([]byte(nil), r.AccessTokenEncrypted...)
	if r.RefreshTokenEncrypted != nil {
		c.RefreshTokenEncrypted = append([]byte(nil), r.RefreshTokenEncrypted...)
	}
	return &c
}

// Repo persists token records. Upsert replaces any record with the same tenant and
// integration, keeping its ID and CreatedAt. Get returns ErrNotFound when absent.
type Repo interface {
	Upsert(ctx context.Context, record *Record) error
	Get(ctx context.Context, tenantID, integration string) (*Record, error)
	Delete(ctx context.Context, tenantID, integration string) error
}
