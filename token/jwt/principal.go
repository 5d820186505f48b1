package jwt

import (
	"context"
	"time"
)

// Principal is the caller identity derived from a verified bearer token.
type Principal struct {
	Subject   string    `json:"sub"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	Issuer    string    `json:"issuer"`
	IssuerURL string    `json:"issuer_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type principalKey struct{}

func NewContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
