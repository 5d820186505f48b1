package providers

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-agent-gateway/internal/config"
	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/rs/zerolog/log"
)

// Registry maps provider names to their configuration. It is read-only after construction
// and safe for concurrent use.
type Registry struct {
	providers map[string]*Provider
}

func NewRegistry(providers ...*Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]*Provider, len(providers))}
	for _, p := range providers {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("[providers NewRegistry] %w", err)
		}
		if _, exists := r.providers[p.Name]; exists {
			return nil, fmt.Errorf("[providers NewRegistry] duplicate provider %q", p.Name)
		}
		r.providers[p.Name] = p
	}
	return r, nil
}

// FromSpecs builds a registry from the gateway file. Providers that name an OIDC issuer
// instead of explicit endpoints have them discovered from the issuer's metadata document.
func FromSpecs(ctx context.Context, specs []config.ProviderSpec, client *http.Client) (*Registry, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	providers := make([]*Provider, 0, len(specs))
	for _, spec := range specs {
		p := &Provider{
			Name:            spec.Name,
			AuthURL:         spec.AuthURL,
			TokenURL:        spec.TokenURL,
			RevokeURL:       spec.RevokeURL,
			ClientID:        spec.ClientID,
			ClientSecret:    spec.ClientSecret,
			DefaultScopes:   spec.DefaultScopes,
			AuthStyle:       parseAuthStyle(spec.AuthStyle),
			OfflineAccess:   spec.OfflineAccess,
			ExtraAuthParams: spec.ExtraAuthParams,
		}
		if spec.Issuer != "" && (p.AuthURL == "" || p.TokenURL == "") {
			if err := discover(ctx, spec.Issuer, p); err != nil {
				return nil, fmt.Errorf("[providers FromSpecs] provider %s: %w", spec.Name, err)
			}
		}
		providers = append(providers, p)
	}
	return NewRegistry(providers...)
}

func discover(ctx context.Context, issuer string, p *Provider) error {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	endpoint := provider.Endpoint()
	if p.AuthURL == "" {
		p.AuthURL = endpoint.AuthURL
	}
	if p.TokenURL == "" {
		p.TokenURL = endpoint.TokenURL
	}
	if p.RevokeURL == "" {
		var extra struct {
			RevocationEndpoint string `json:"revocation_endpoint"`
		}
		if err := provider.Claims(&extra); err == nil {
			p.RevokeURL = extra.RevocationEndpoint
		}
	}
	log.Debug().Str("provider", p.Name).Str("issuer", issuer).Msg("discovered provider endpoints")
	return nil
}

func validate(p *Provider) error {
	switch {
	case p == nil:
		return fmt.Errorf("nil provider")
	case p.Name == "":
		return fmt.Errorf("provider name is required")
	case p.AuthURL == "" || p.TokenURL == "":
		return fmt.Errorf("provider %s needs auth and token endpoints", p.Name)
	case p.ClientID == "":
		return fmt.Errorf("provider %s needs a client id", p.Name)
	}
	return nil
}

// Get returns the named provider or ErrUnknownProvider. The result must not be modified.
func (r *Registry) Get(name string) (*Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrUnknownProvider, "provider %q", name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
