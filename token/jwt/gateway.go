package jwt

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/internal/utils"
)

const DefaultLeeway = 30 * time.Second

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// KeySource resolves a verification key by issuer and kid. keys.KeyCache implements it.
type KeySource interface {
	Key(ctx context.Context, issuer, kid string) (crypto.PublicKey, error)
}

// Gateway authenticates bearer tokens from several independent issuers. Each token is
// routed to exactly one issuer profile before its signature is checked.
type Gateway struct {
	profiles []IssuerProfile
	keys     KeySource
	leeway   time.Duration
}

type Option func(*Gateway)

func WithLeeway(d time.Duration) Option {
	return func(g *Gateway) {
		if d >= 0 {
			g.leeway = d
		}
	}
}

func NewGateway(keys KeySource, profiles []IssuerProfile, opts ...Option) (*Gateway, error) {
	seen := map[string]struct{}{}
	for _, p := range profiles {
		if p.IssuerURL == "" || p.TenantClaim == "" {
			return nil, fmt.Errorf("[jwt NewGateway] issuer %q needs an issuer url and tenant claim", p.Tag)
		}
		if _, dup := seen[p.Tag]; dup {
			return nil, fmt.Errorf("[jwt NewGateway] duplicate issuer tag %q", p.Tag)
		}
		seen[p.Tag] = struct{}{}
	}
	g := &Gateway{
		profiles: profiles,
		keys:     keys,
		leeway:   DefaultLeeway,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Gateway) Profiles() []IssuerProfile {
	return g.profiles
}

// Authenticate verifies rawToken and returns its principal.
//
// The token is first decoded without verification only to choose the issuer profile.
// Nothing from that pass is trusted: the principal is built from the verified claims.
func (g *Gateway) Authenticate(ctx context.Context, rawToken string) (*Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, apperrors.ErrUnauthenticated
	}

	unverified, _, err := jwtlib.NewParser().ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrSignatureInvalid, "malformed token: %v", err)
	}
	unverifiedClaims, ok := unverified.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrSignatureInvalid, "error extracting claims")
	}
	profile, err := g.route(unverifiedClaims)
	if err != nil {
		return nil, err
	}

	token, err := g.parser(profile).ParseWithClaims(rawToken, jwtlib.MapClaims{}, g.keyfunc(ctx, profile))
	if err != nil {
		return nil, classify(err, profile)
	}
	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return nil, apperrors.Wrapf(apperrors.ErrSignatureInvalid, "issuer %s", profile.Tag)
	}
	return principalFromClaims(claims, profile)
}

// route picks the first profile whose issuer URL equals iss and whose tenant claim shape is
// not contradicted by the token. A token that lacks this profile's tenant claim but
// carries another candidate's is left for that candidate.
func (g *Gateway) route(claims jwtlib.MapClaims) (*IssuerProfile, error) {
	iss, _ := claims["iss"].(string)
	if iss == "" {
		return nil, apperrors.Wrapf(apperrors.ErrUnknownIssuer, "token has no iss claim")
	}

	var candidates []*IssuerProfile
	for i := range g.profiles {
		if g.profiles[i].IssuerURL == iss {
			candidates = append(candidates, &g.profiles[i])
		}
	}
	for _, p := range candidates {
		if _, has := claims[p.TenantClaim]; has || !carriesOtherTenantClaim(claims, p, candidates) {
			return p, nil
		}
	}
	return nil, apperrors.Wrapf(apperrors.ErrUnknownIssuer, "issuer %q", iss)
}

func carriesOtherTenantClaim(claims jwtlib.MapClaims, p *IssuerProfile, candidates []*IssuerProfile) bool {
	for _, other := range candidates {
		if other == p || other.TenantClaim == p.TenantClaim {
			continue
		}
		if _, has := claims[other.TenantClaim]; has {
			return true
		}
	}
	return false
}

func (g *Gateway) parser(p *IssuerProfile) *jwtlib.Parser {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodRS256.Alg()}),
		jwtlib.WithIssuer(p.IssuerURL),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(g.leeway),
		jwtlib.WithTimeFunc(NowTimeFunc),
	}
	if p.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(p.Audience))
	}
	return jwtlib.NewParser(opts...)
}

// keyfunc only consults the routed issuer's key set.
func (g *Gateway) keyfunc(ctx context.Context, p *IssuerProfile) jwtlib.Keyfunc {
	return func(token *jwtlib.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, apperrors.Wrapf(apperrors.ErrSignatureInvalid, "token has no kid")
		}
		return g.keys.Key(ctx, p.IssuerURL, kid)
	}
}

func classify(err error, p *IssuerProfile) error {
	switch {
	case errors.Is(err, apperrors.ErrKeyFetchFailure):
		return apperrors.Wrapf(apperrors.ErrKeyFetchFailure, "issuer %s", p.Tag)
	case errors.Is(err, apperrors.ErrUnknownIssuer):
		return apperrors.Wrapf(apperrors.ErrUnknownIssuer, "issuer %s", p.Tag)
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return apperrors.Wrapf(apperrors.ErrTokenExpired, "issuer %s", p.Tag)
	case errors.Is(err, jwtlib.ErrTokenNotValidYet), errors.Is(err, jwtlib.ErrTokenUsedBeforeIssued):
		return apperrors.Wrapf(apperrors.ErrTokenNotYetValid, "issuer %s", p.Tag)
	default:
		return apperrors.Wrapf(apperrors.ErrSignatureInvalid, "issuer %s: %v", p.Tag, err)
	}
}

func principalFromClaims(claims jwtlib.MapClaims, p *IssuerProfile) (*Principal, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, apperrors.Wrapf(apperrors.ErrSignatureInvalid, "issuer %s: token has no sub", p.Tag)
	}
	principal := &Principal{
		Subject:   sub,
		TenantID:  tenantFromClaim(claims[p.TenantClaim]),
		Email:     stringClaim(claims[p.EmailClaim]),
		Role:      stringClaim(claims[p.RoleClaim]),
		Issuer:    p.Tag,
		IssuerURL: p.IssuerURL,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		principal.ExpiresAt = exp.Time
	}
	// Personal accounts carry no organisation; they act as their own tenant.
	if principal.TenantID == "" {
		principal.TenantID = sub
	}
	return principal, nil
}

// tenantFromClaim accepts a plain id or an organisation object carrying an id.
func tenantFromClaim(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		id, _ := t["id"].(string)
		return id
	}
	return ""
}

func stringClaim(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if first, ok := utils.FirstString(t); ok {
			return first
		}
	}
	return ""
}
