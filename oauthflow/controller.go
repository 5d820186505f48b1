package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/internal/logging"
	"github.com/jrsteele09/go-agent-gateway/oauthstate"
	"github.com/jrsteele09/go-agent-gateway/providers"
	"github.com/jrsteele09/go-agent-gateway/vault"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Observer receives one event per flow operation. metrics.Metrics implements it.
type Observer interface {
	ObserveOAuth(operation, provider, outcome string)
}

type noopObserver struct{}

func (noopObserver) ObserveOAuth(string, string, string) {}

type Config struct {
	// RedirectURL is the gateway's public callback URL registered with every provider.
	RedirectURL string
	SuccessURL  string
	ErrorURL    string
	HTTPClient  *http.Client
	Observer    Observer
}

// Controller runs the authorization-code flow on behalf of tool integrations and owns the
// lifecycle of the resulting provider credentials.
type Controller struct {
	providers *providers.Registry
	states    *oauthstate.Store
	vault     *vault.Vault
	cfg       Config
}

func NewController(registry *providers.Registry, states *oauthstate.Store, v *vault.Vault, cfg Config) *Controller {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	return &Controller{
		providers: registry,
		states:    states,
		vault:     v,
		cfg:       cfg,
	}
}

type InitiateRequest struct {
	Provider    string
	Integration string
	TenantID    string
	Scopes      []string
}

type InitiateResult struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

func (c *Controller) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.Provider == "" || req.Integration == "" || req.TenantID == "" {
		return nil, apperrors.Wrapf(apperrors.ErrMissingField, "provider, integration and tenant are required")
	}
	provider, err := c.providers.Get(req.Provider)
	if err != nil {
		// Caller supplied names never become metric labels.
		c.cfg.Observer.ObserveOAuth("initiate", "", "unknown_provider")
		return nil, err
	}

	created, err := c.states.Create(ctx, provider.Name, req.Integration, req.TenantID, c.cfg.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("[oauthflow Initiate] %w", err)
	}

	opts := append(provider.AuthCodeOptions(), oauth2.S256ChallengeOption(created.CodeVerifier))
	authURL := provider.OAuth2Config(c.cfg.RedirectURL, req.Scopes).AuthCodeURL(created.State, opts...)

	c.cfg.Observer.ObserveOAuth("initiate", provider.Name, "ok")
	log.Info().Str("provider", provider.Name).Str("integration", req.Integration).Str("tenant_id", req.TenantID).
		Str("state", logging.Redact(created.State)).Msg("oauth flow initiated")
	return &InitiateResult{AuthorizationURL: authURL, State: created.State}, nil
}

type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Callback completes a flow and returns where to redirect the browser. It never fails:
// problems become an error redirect carrying a coarse error code.
func (c *Controller) Callback(ctx context.Context, req CallbackRequest) string {
	if req.Error != "" {
		if req.State != "" {
			// Burn the state so the flow cannot be resumed.
			_, _ = c.states.ConsumeAndValidate(ctx, req.State)
		}
		log.Warn().Str("provider_error", req.Error).Str("state", logging.Redact(req.State)).Msg("provider denied authorization")
		c.cfg.Observer.ObserveOAuth("callback", "", "provider_denied")
		return c.errorRedirect("provider_denied")
	}
	if req.Code == "" || req.State == "" {
		c.cfg.Observer.ObserveOAuth("callback", "", "missing_parameters")
		return c.errorRedirect("missing_parameters")
	}

	flow, err := c.states.ConsumeAndValidate(ctx, req.State)
	if err != nil {
		return c.callbackFailure("", err, "state validation failed")
	}
	provider, err := c.providers.Get(flow.Provider)
	if err != nil {
		return c.callbackFailure(flow.Provider, err, "provider no longer registered")
	}

	token, err := c.exchange(ctx, provider, flow, req.Code)
	if err != nil {
		return c.callbackFailure(provider.Name, err, "code exchange failed")
	}
	if err := c.vault.Store(ctx, flow.TenantID, flow.IntegrationName, credentialsFromToken(provider.Name, token, nil)); err != nil {
		log.Err(err).Str("tenant_id", flow.TenantID).Str("integration", flow.IntegrationName).Msg("failed to store credentials")
		c.cfg.Observer.ObserveOAuth("callback", provider.Name, "storage_error")
		return c.errorRedirect("storage_error")
	}

	c.cfg.Observer.ObserveOAuth("callback", provider.Name, "ok")
	log.Info().Str("provider", provider.Name).Str("integration", flow.IntegrationName).Str("tenant_id", flow.TenantID).Msg("integration connected")
	return c.successRedirect(provider.Name, flow.IntegrationName)
}

func (c *Controller) callbackFailure(provider string, err error, msg string) string {
	code := apperrors.CallbackCode(err)
	log.Warn().Err(err).Str("provider", provider).Str("code", code).Msg(msg)
	c.cfg.Observer.ObserveOAuth("callback", provider, code)
	return c.errorRedirect(code)
}

func (c *Controller) exchange(ctx context.Context, provider *providers.Provider, flow *oauthstate.Flow, code string) (*oauth2.Token, error) {
	cfg := provider.OAuth2Config(flow.RedirectURI, nil)
	token, err := cfg.Exchange(c.clientContext(ctx), code, oauth2.VerifierOption(flow.CodeVerifier))
	if err != nil {
		return nil, exchangeError(provider.Name, err)
	}
	return token, nil
}

// RefreshResult is the public outcome of a refresh. Token values are never returned.
type RefreshResult struct {
	ExpiresAt time.Time `json:"expires_at"`
	TokenType string    `json:"token_type"`
}

// Refresh exchanges the stored refresh token. Concurrent refreshes of one integration
// share a single provider call. A failed refresh leaves the stored record untouched.
func (c *Controller) Refresh(ctx context.Context, tenantID, integration string) (*RefreshResult, error) {
	requested := vault.NowTimeFunc()
	creds, err := c.vault.Coalesce(ctx, tenantID, integration, func(ctx context.Context, tenantID, integration string) (*vault.Credentials, error) {
		// A refresh that completed after this call was made already satisfies it.
		if status, err := c.vault.Status(ctx, tenantID, integration); err == nil && !status.UpdatedAt.Before(requested) {
			return c.vault.Fetch(ctx, tenantID, integration)
		}
		return c.refreshCredentials(ctx, tenantID, integration)
	})
	if err != nil {
		return nil, err
	}
	return &RefreshResult{ExpiresAt: creds.ExpiresAt, TokenType: creds.TokenType}, nil
}

func (c *Controller) refreshCredentials(ctx context.Context, tenantID, integration string) (*vault.Credentials, error) {
	current, err := c.vault.Fetch(ctx, tenantID, integration)
	if err != nil {
		return nil, err
	}
	if current.RefreshToken == "" {
		return nil, apperrors.Wrapf(apperrors.ErrNoRefreshToken, "%s/%s", tenantID, integration)
	}
	provider, err := c.providers.Get(current.Provider)
	if err != nil {
		return nil, err
	}

	source := provider.OAuth2Config("", nil).TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	token, err := source.Token()
	if err != nil {
		c.cfg.Observer.ObserveOAuth("refresh", provider.Name, "token_exchange_failed")
		return nil, exchangeError(provider.Name, err)
	}

	creds := credentialsFromToken(provider.Name, token, current)
	if err := c.vault.Store(ctx, tenantID, integration, creds); err != nil {
		return nil, fmt.Errorf("[oauthflow Refresh] %w", err)
	}
	c.cfg.Observer.ObserveOAuth("refresh", provider.Name, "ok")
	log.Info().Str("provider", provider.Name).Str("integration", integration).Str("tenant_id", tenantID).Time("expires_at", creds.ExpiresAt).Msg("credentials refreshed")
	return creds, nil
}

// AccessToken returns a usable access token, refreshing it first when it is about to expire.
func (c *Controller) AccessToken(ctx context.Context, tenantID, integration string) (*vault.Credentials, error) {
	return c.vault.GetValidAccessToken(ctx, tenantID, integration, c.refreshCredentials)
}

func (c *Controller) Status(ctx context.Context, tenantID, integration string) (*vault.Status, error) {
	return c.vault.Status(ctx, tenantID, integration)
}

// Revoke asks the provider to revoke the stored tokens when it supports revocation, then
// deletes the local record whatever the provider answered.
func (c *Controller) Revoke(ctx context.Context, tenantID, integration string) error {
	status, err := c.vault.Status(ctx, tenantID, integration)
	if err != nil {
		return err
	}

	creds, err := c.vault.Fetch(ctx, tenantID, integration)
	switch {
	case err != nil:
		log.Err(err).Str("tenant_id", tenantID).Str("integration", integration).Msg("cannot read credentials for remote revocation")
	default:
		c.revokeRemote(ctx, creds)
	}

	if err := c.vault.Delete(ctx, tenantID, integration); err != nil {
		return fmt.Errorf("[oauthflow Revoke] %w", err)
	}
	c.cfg.Observer.ObserveOAuth("revoke", status.Provider, "ok")
	log.Info().Str("provider", status.Provider).Str("integration", integration).Str("tenant_id", tenantID).Msg("integration revoked")
	return nil
}

func (c *Controller) revokeRemote(ctx context.Context, creds *vault.Credentials) {
	provider, err := c.providers.Get(creds.Provider)
	if err != nil || !provider.CanRevoke() {
		return
	}
	tokens := []struct{ value, hint string }{
		{creds.RefreshToken, "refresh_token"},
		{creds.AccessToken, "access_token"},
	}
	for _, t := range tokens {
		if t.value == "" {
			continue
		}
		if err := c.postRevocation(ctx, provider, t.value, t.hint); err != nil {
			c.cfg.Observer.ObserveOAuth("revoke", provider.Name, "remote_failed")
			log.Warn().Err(err).Str("provider", provider.Name).Str("token_type_hint", t.hint).Msg("remote revocation failed")
		}
	}
}

// postRevocation sends an RFC 7009 revocation request authenticated with client_secret_basic.
func (c *Controller) postRevocation(ctx context.Context, provider *providers.Provider, token, hint string) error {
	form := url.Values{"token": {token}, "token_type_hint": {hint}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(provider.ClientID), url.QueryEscape(provider.ClientSecret))

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Controller) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
}

// exchangeError keeps the provider's error code for the logs and drops its response body.
func exchangeError(provider string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return apperrors.Wrapf(apperrors.ErrTokenExchangeFailure, "provider %s: status %d error %q", provider, status, retrieveErr.ErrorCode)
	}
	return apperrors.Wrapf(apperrors.ErrTokenExchangeFailure, "provider %s: %v", provider, err)
}

// credentialsFromToken converts a provider response. Values the provider omitted on
// refresh (refresh token, scope) are carried over from previous.
func credentialsFromToken(provider string, token *oauth2.Token, previous *vault.Credentials) *vault.Credentials {
	creds := &vault.Credentials{
		Provider:     provider,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
		ExpiresAt:    token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		creds.Scope = scope
	}
	if previous != nil {
		if creds.RefreshToken == "" {
			creds.RefreshToken = previous.RefreshToken
		}
		if creds.Scope == "" {
			creds.Scope = previous.Scope
		}
	}
	return creds
}

func (c *Controller) successRedirect(provider, integration string) string {
	return withQuery(c.cfg.SuccessURL, url.Values{"provider": {provider}, "integration": {integration}})
}

func (c *Controller) errorRedirect(code string) string {
	return withQuery(c.cfg.ErrorURL, url.Values{"error": {code}})
}

func withQuery(target string, values url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		return "/?" + values.Encode()
	}
	q := u.Query()
	for k, v := range values {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}
