package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const DefaultRefreshBuffer = 5 * time.Minute

// NowTimeFunc is the clock used for expiry decisions, replaceable in tests.
var NowTimeFunc = time.Now

// Credentials is the decrypted view of a Record. It only lives in memory.
type Credentials struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// ExpiresWithin reports whether the access token expires within d of now.
// Credentials without an expiry never expire.
func (c *Credentials) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(c.ExpiresAt)
}

// Status is the non-secret metadata of a stored token.
type Status struct {
	Provider        string    `json:"provider"`
	IntegrationName string    `json:"integration_name"`
	TokenType       string    `json:"token_type"`
	Scope           string    `json:"scope,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitzero"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RefreshFunc exchanges the stored refresh token for new credentials and stores them.
type RefreshFunc func(ctx context.Context, tenantID, integration string) (*Credentials, error)

type Vault struct {
	repo          Repo
	cipher        *Cipher
	refreshBuffer time.Duration
	inflight      singleflight.Group
}

type Option func(*Vault)

func WithRefreshBuffer(d time.Duration) Option {
	return func(v *Vault) {
		if d >= 0 {
			v.refreshBuffer = d
		}
	}
}

func New(repo Repo, cipher *Cipher, opts ...Option) *Vault {
	v := &Vault{
		repo:          repo,
		cipher:        cipher,
		refreshBuffer: DefaultRefreshBuffer,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Store encrypts creds and replaces whatever is stored for (tenantID, integration).
func (v *Vault) Store(ctx context.Context, tenantID, integration string, creds *Credentials) error {
	if tenantID == "" || integration == "" {
		return apperrors.Wrapf(apperrors.ErrMissingField, "tenant and integration are required")
	}
	if creds == nil || creds.AccessToken == "" {
		return apperrors.Wrapf(apperrors.ErrMissingField, "access token is required")
	}

	access, err := v.cipher.EncryptString(creds.AccessToken)
	if err != nil {
		return fmt.Errorf("[vault Store] %w", err)
	}
	var refresh []byte
	if creds.RefreshToken != "" {
		if refresh, err = v.cipher.EncryptString(creds.RefreshToken); err != nil {
			return fmt.Errorf("[vault Store] %w", err)
		}
	}

	now := NowTimeFunc().UTC()
	record := &Record{
		ID:                    uuid.NewString(),
		TenantID:              tenantID,
		IntegrationName:       integration,
		Provider:              creds.Provider,
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
		ExpiresAt:             creds.ExpiresAt.UTC(),
		TokenType:             creds.TokenType,
		Scope:                 creds.Scope,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := v.repo.Upsert(ctx, record); err != nil {
		return fmt.Errorf("[vault Store] %w", err)
	}
	return nil
}

func (v *Vault) Fetch(ctx context.Context, tenantID, integration string) (*Credentials, error) {
	record, err := v.repo.Get(ctx, tenantID, integration)
	if err != nil {
		return nil, err
	}
	return v.open(record)
}

func (v *Vault) open(record *Record) (*Credentials, error) {
	access, err := v.cipher.DecryptString(record.AccessTokenEncrypted)
	if err != nil {
		v.logDecryptionFailure(record, "access_token", err)
		return nil, err
	}
	var refresh string
	if len(record.RefreshTokenEncrypted) > 0 {
		if refresh, err = v.cipher.DecryptString(record.RefreshTokenEncrypted); err != nil {
			v.logDecryptionFailure(record, "refresh_token", err)
			return nil, err
		}
	}
	return &Credentials{
		Provider:     record.Provider,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    record.TokenType,
		Scope:        record.Scope,
		ExpiresAt:    record.ExpiresAt,
	}, nil
}

// Tampering or a rotated master key both land here; operators alert on this line.
func (v *Vault) logDecryptionFailure(record *Record, field string, err error) {
	log.Error().Err(err).
		Str("tenant_id", record.TenantID).
		Str("integration", record.IntegrationName).
		Str("provider", record.Provider).
		Str("field", field).
		Msg("stored credential failed integrity check")
}

// Delete is idempotent.
func (v *Vault) Delete(ctx context.Context, tenantID, integration string) error {
	if err := v.repo.Delete(ctx, tenantID, integration); err != nil {
		return fmt.Errorf("[vault Delete] %w", err)
	}
	return nil
}

// Status returns metadata about the stored token without decrypting it.
func (v *Vault) Status(ctx context.Context, tenantID, integration string) (*Status, error) {
	record, err := v.repo.Get(ctx, tenantID, integration)
	if err != nil {
		return nil, err
	}
	return &Status{
		Provider:        record.Provider,
		IntegrationName: record.IntegrationName,
		TokenType:       record.TokenType,
		Scope:           record.Scope,
		ExpiresAt:       record.ExpiresAt,
		HasRefreshToken: len(record.RefreshTokenEncrypted) > 0,
		UpdatedAt:       record.UpdatedAt,
	}, nil
}

// Coalesce runs fn at most once at a time per (tenantID, integration). Callers arriving
// while fn is in flight wait for it and share its result. fn runs detached from the
// caller's cancellation so one caller giving up does not fail the others.
func (v *Vault) Coalesce(ctx context.Context, tenantID, integration string, fn RefreshFunc) (*Credentials, error) {
	key := tenantID + "\x00" + integration
	detached := context.WithoutCancel(ctx)
	ch := v.inflight.DoChan(key, func() (interface{}, error) {
		return fn(detached, tenantID, integration)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credentials), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetValidAccessToken returns stored credentials, refreshing them first when the access
// token is within the refresh buffer of expiry. Concurrent callers share one refresh.
// If the refresh fails but the current token has not yet expired it is returned anyway.
func (v *Vault) GetValidAccessToken(ctx context.Context, tenantID, integration string, refresh RefreshFunc) (*Credentials, error) {
	creds, err := v.Fetch(ctx, tenantID, integration)
	if err != nil {
		return nil, err
	}
	now := NowTimeFunc()
	if !creds.ExpiresWithin(now, v.refreshBuffer) {
		return creds, nil
	}

	refreshed, err := v.Coalesce(ctx, tenantID, integration, func(ctx context.Context, tenantID, integration string) (*Credentials, error) {
		// Another flight may have refreshed between our fetch and joining this one.
		if current, err := v.Fetch(ctx, tenantID, integration); err == nil && !current.ExpiresWithin(NowTimeFunc(), v.refreshBuffer) {
			return current, nil
		}
		return refresh(ctx, tenantID, integration)
	})
	if err == nil {
		return refreshed, nil
	}
	if !creds.ExpiresWithin(now, 0) {
		log.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("integration", integration).
			Msg("refresh failed, using current access token until it expires")
		return creds, nil
	}
	return nil, err
}
