package providers

import (
	"slices"
	"strings"

	"golang.org/x/oauth2"
)

// Provider is the static description of a third-party OAuth authorization server.
type Provider struct {
	Name          string
	AuthURL       string
	TokenURL      string
	RevokeURL     string // optional, RFC 7009
	ClientID      string
	ClientSecret  string
	DefaultScopes []string
	AuthStyle     oauth2.AuthStyle
	// OfflineAccess adds access_type=offline to the authorization URL (Google style refresh tokens).
	OfflineAccess   bool
	ExtraAuthParams map[string]string
}

// CanRevoke reports whether the provider publishes a revocation endpoint.
func (p *Provider) CanRevoke() bool {
	return p.RevokeURL != ""
}

// Scopes returns the requested scopes, or the provider defaults when none were requested.
func (p *Provider) Scopes(requested []string) []string {
	var scopes []string
	for _, s := range requested {
		if s = strings.TrimSpace(s); s != "" && !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	if len(scopes) == 0 {
		return slices.Clone(p.DefaultScopes)
	}
	return scopes
}

func (p *Provider) OAuth2Config(redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: p.AuthStyle,
		},
		RedirectURL: redirectURL,
		Scopes:      p.Scopes(scopes),
	}
}

// AuthCodeOptions are the provider specific parameters added to every authorization URL.
func (p *Provider) AuthCodeOptions() []oauth2.AuthCodeOption {
	var opts []oauth2.AuthCodeOption
	if p.OfflineAccess {
		opts = append(opts, oauth2.AccessTypeOffline)
	}
	for k, v := range p.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return opts
}

func parseAuthStyle(s string) oauth2.AuthStyle {
	switch strings.ToLower(s) {
	case "header":
		return oauth2.AuthStyleInHeader
	case "params":
		return oauth2.AuthStyleInParams
	default:
		return oauth2.AuthStyleAutoDetect
	}
}
