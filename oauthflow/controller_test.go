package oauthflow_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/metrics"
	"github.com/jrsteele09/go-agent-gateway/oauthflow"
	"github.com/jrsteele09/go-agent-gateway/oauthstate"
	"github.com/jrsteele09/go-agent-gateway/providers"
	"github.com/jrsteele09/go-agent-gateway/vault"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const (
	redirectURL = "https://gw.example.com/api/integrations/oauth/callback"
	successURL  = "https://app.example.com/integrations/connected"
	errorURL    = "https://app.example.com/integrations/error"
)

// fakeProvider is a minimal authorization server token and revocation endpoint.
type fakeProvider struct {
	*httptest.Server
	exchanges   atomic.Int32
	refreshes   atomic.Int32
	revocations atomic.Int32

	mu           sync.Mutex
	challenges   map[string]string // code -> expected S256 challenge
	refreshGate  chan struct{}
	failExchange bool
	failRevoke   bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{challenges: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", p.token)
	mux.HandleFunc("POST /revoke", func(w http.ResponseWriter, r *http.Request) {
		p.revocations.Add(1)
		if user, pass, ok := r.BasicAuth(); !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.mu.Lock()
		fail := p.failRevoke
		p.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *fakeProvider) token(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")
	switch r.Form.Get("grant_type") {
	case "authorization_code":
		p.exchanges.Add(1)
		p.mu.Lock()
		challenge, ok := p.challenges[r.Form.Get("code")]
		fail := p.failExchange
		p.mu.Unlock()
		if fail || !ok || oauthstate.CodeChallenge(r.Form.Get("code_verifier")) != challenge {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "secret detail"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "bearer",
			"scope":         "repo",
			"expires_in":    3600,
		})
	case "refresh_token":
		p.refreshes.Add(1)
		p.mu.Lock()
		gate := p.refreshGate
		p.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if r.Form.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "access-refreshed", "token_type": "bearer", "expires_in": 7200})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

// authorize plays the user consenting: it records the challenge and issues a code.
func (p *fakeProvider) authorize(t *testing.T, authURL string) (code, state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	code = "code-" + q.Get("state")[:8]
	p.mu.Lock()
	p.challenges[code] = q.Get("code_challenge")
	p.mu.Unlock()
	return code, q.Get("state")
}

type fixture struct {
	provider   *fakeProvider
	controller *oauthflow.Controller
	vault      *vault.Vault
	tokens     *vault.InMemoryRepo
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := newFakeProvider(t)
	registry, err := providers.NewRegistry(&providers.Provider{
		Name:          "github",
		AuthURL:       p.URL + "/authorize",
		TokenURL:      p.URL + "/token",
		RevokeURL:     p.URL + "/revoke",
		ClientID:      "client-id",
		ClientSecret:  "client-secret",
		DefaultScopes: []string{"read:user"},
	})
	require.NoError(t, err)

	key := make([]byte, vault.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	stateCipher, err := vault.NewCipher(key, vault.PurposeOAuthState)
	require.NoError(t, err)
	credCipher, err := vault.NewCipher(key, vault.PurposeCredentials)
	require.NoError(t, err)

	tokens := vault.NewInMemoryRepo()
	v := vault.New(tokens, credCipher)
	states := oauthstate.NewStore(oauthstate.NewInMemoryRepo(), stateCipher, 0)
	m := metrics.New()
	c := oauthflow.NewController(registry, states, v, oauthflow.Config{
		RedirectURL: redirectURL,
		SuccessURL:  successURL,
		ErrorURL:    errorURL,
		HTTPClient:  p.Client(),
		Observer:    m,
	})
	return &fixture{provider: p, controller: c, vault: v, tokens: tokens, metrics: m}
}

// connect runs a full initiate + callback for tenant1/repo-tool.
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	res, err := f.controller.Initiate(context.Background(), oauthflow.InitiateRequest{
		Provider: "github", Integration: "repo-tool", TenantID: "tenant1", Scopes: []string{"repo"},
	})
	require.NoError(t, err)
	code, state := f.provider.authorize(t, res.AuthorizationURL)
	target := f.controller.Callback(context.Background(), oauthflow.CallbackRequest{Code: code, State: state})
	require.Equal(t, successURL+"?integration=repo-tool&provider=github", target)
}

func redirectError(t *testing.T, target string) string {
	t.Helper()
	u, err := url.Parse(target)
	require.NoError(t, err)
	require.Equal(t, errorURL, u.Scheme+"://"+u.Host+u.Path)
	return u.Query().Get("error")
}

func TestInitiate(t *testing.T) {
	f := newFixture(t)
	res, err := f.controller.Initiate(context.Background(), oauthflow.InitiateRequest{
		Provider: "github", Integration: "repo-tool", TenantID: "tenant1", Scopes: []string{"repo"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.State)

	u, err := url.Parse(res.AuthorizationURL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, res.State, q.Get("state"))
	require.Equal(t, "client-id", q.Get("client_id"))
	require.Equal(t, "repo", q.Get("scope"))
	require.Equal(t, redirectURL, q.Get("redirect_uri"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Len(t, q.Get("code_challenge"), 43)
	require.Equal(t, "code", q.Get("response_type"))

	t.Run("default scopes", func(t *testing.T) {
		res, err := f.controller.Initiate(context.Background(), oauthflow.InitiateRequest{Provider: "github", Integration: "x", TenantID: "t"})
		require.NoError(t, err)
		u, _ := url.Parse(res.AuthorizationURL)
		require.Equal(t, "read:user", u.Query().Get("scope"))
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := f.controller.Initiate(context.Background(), oauthflow.InitiateRequest{Provider: "gitlab", Integration: "x", TenantID: "t"})
		require.ErrorIs(t, err, apperrors.ErrUnknownProvider)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := f.controller.Initiate(context.Background(), oauthflow.InitiateRequest{Provider: "github"})
		require.ErrorIs(t, err, apperrors.ErrMissingField)
	})
}

func TestUnknownProvidersShareOneSeries(t *testing.T) {
	f := newFixture(t)
	for i := range 50 {
		_, err := f.controller.Initiate(context.Background(), oauthflow.InitiateRequest{
			Provider: fmt.Sprintf("junk-%d", i), Integration: "repo-tool", TenantID: "tenant1",
		})
		require.ErrorIs(t, err, apperrors.ErrUnknownProvider)
	}

	count, err := testutil.GatherAndCount(f.metrics.Registry(), "agent_gateway_oauth_operations_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(`
# HELP agent_gateway_oauth_operations_total OAuth flow operations by provider and outcome.
# TYPE agent_gateway_oauth_operations_total counter
agent_gateway_oauth_operations_total{operation="initiate",outcome="unknown_provider",provider="unknown"} 50
`), "agent_gateway_oauth_operations_total"))
}

func TestCallbackStoresEncryptedCredentials(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	creds, err := f.vault.Fetch(context.Background(), "tenant1", "repo-tool")
	require.NoError(t, err)
	require.Equal(t, "access-1", creds.AccessToken)
	require.Equal(t, "refresh-1", creds.RefreshToken)
	require.Equal(t, "repo", creds.Scope)
	require.WithinDuration(t, time.Now().Add(time.Hour), creds.ExpiresAt, time.Minute)
	require.EqualValues(t, 1, f.provider.exchanges.Load())
}

func TestCallbackFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown state creates no token", func(t *testing.T) {
		f := newFixture(t)
		target := f.controller.Callback(ctx, oauthflow.CallbackRequest{Code: "code", State: "forged"})
		require.Equal(t, "invalid_state", redirectError(t, target))
		_, err := f.tokens.Get(ctx, "tenant1", "repo-tool")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
		require.Zero(t, f.provider.exchanges.Load())
	})

	t.Run("replayed state", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.controller.Initiate(ctx, oauthflow.InitiateRequest{Provider: "github", Integration: "repo-tool", TenantID: "tenant1"})
		require.NoError(t, err)
		code, state := f.provider.authorize(t, res.AuthorizationURL)
		f.controller.Callback(ctx, oauthflow.CallbackRequest{Code: code, State: state})
		target := f.controller.Callback(ctx, oauthflow.CallbackRequest{Code: code, State: state})
		require.Equal(t, "state_already_used", redirectError(t, target))
	})

	t.Run("expired state", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.controller.Initiate(ctx, oauthflow.InitiateRequest{Provider: "github", Integration: "repo-tool", TenantID: "tenant1"})
		require.NoError(t, err)
		code, state := f.provider.authorize(t, res.AuthorizationURL)

		original := oauthstate.NowTimeFunc
		oauthstate.NowTimeFunc = func() time.Time { return time.Now().Add(time.Hour) }
		t.Cleanup(func() { oauthstate.NowTimeFunc = original })

		target := f.controller.Callback(ctx, oauthflow.CallbackRequest{Code: code, State: state})
		require.Equal(t, "expired_state", redirectError(t, target))
	})

	t.Run("missing parameters", func(t *testing.T) {
		f := newFixture(t)
		require.Equal(t, "missing_parameters", redirectError(t, f.controller.Callback(ctx, oauthflow.CallbackRequest{State: "s"})))
	})

	t.Run("provider denied burns the state", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.controller.Initiate(ctx, oauthflow.InitiateRequest{Provider: "github", Integration: "repo-tool", TenantID: "tenant1"})
		require.NoError(t, err)
		code, state := f.provider.authorize(t, res.AuthorizationURL)

		target := f.controller.Callback(ctx, oauthflow.CallbackRequest{State: state, Error: "access_denied"})
		require.Equal(t, "provider_denied", redirectError(t, target))
		target = f.controller.Callback(ctx, oauthflow.CallbackRequest{Code: code, State: state})
		require.Equal(t, "state_already_used", redirectError(t, target))
	})

	t.Run("exchange rejected", func(t *testing.T) {
		f := newFixture(t)
		f.provider.mu.Lock()
		f.provider.failExchange = true
		f.provider.mu.Unlock()
		res, err := f.controller.Initiate(ctx, oauthflow.InitiateRequest{Provider: "github", Integration: "repo-tool", TenantID: "tenant1"})
		require.NoError(t, err)
		code, state := f.provider.authorize(t, res.AuthorizationURL)
		target := f.controller.Callback(ctx, oauthflow.CallbackRequest{Code: code, State: state})
		require.Equal(t, "token_exchange_failed", redirectError(t, target))
		require.NotContains(t, target, "secret detail")
		_, err = f.tokens.Get(ctx, "tenant1", "repo-tool")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps refresh token when provider omits it", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		res, err := f.controller.Refresh(ctx, "tenant1", "repo-tool")
		require.NoError(t, err)
		require.Equal(t, "Bearer", res.TokenType)
		require.WithinDuration(t, time.Now().Add(2*time.Hour), res.ExpiresAt, time.Minute)

		creds, err := f.vault.Fetch(ctx, "tenant1", "repo-tool")
		require.NoError(t, err)
		require.Equal(t, "access-refreshed", creds.AccessToken)
		require.Equal(t, "refresh-1", creds.RefreshToken)
		require.Equal(t, "repo", creds.Scope)
	})

	t.Run("concurrent refreshes share one provider call", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		f.provider.mu.Lock()
		f.provider.refreshGate = make(chan struct{})
		f.provider.mu.Unlock()

		// Each Refresh reads the clock once before coalescing, which tells us when the
		// second caller has started.
		var clockReads atomic.Int32
		original := vault.NowTimeFunc
		vault.NowTimeFunc = func() time.Time {
			clockReads.Add(1)
			return original()
		}
		t.Cleanup(func() { vault.NowTimeFunc = original })

		var wg sync.WaitGroup
		results := make([]*oauthflow.RefreshResult, 2)
		errs := make([]error, 2)
		refresh := func(i int) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = f.controller.Refresh(ctx, "tenant1", "repo-tool")
			}()
		}

		refresh(0)
		require.Eventually(t, func() bool { return f.provider.refreshes.Load() == 1 }, time.Second, time.Millisecond)
		seen := clockReads.Load()
		refresh(1)
		require.Eventually(t, func() bool { return clockReads.Load() > seen }, time.Second, time.Millisecond)
		close(f.provider.refreshGate)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		require.EqualValues(t, 1, f.provider.refreshes.Load())
		require.True(t, results[0].ExpiresAt.Equal(results[1].ExpiresAt))
	})

	t.Run("no stored token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.controller.Refresh(ctx, "tenant1", "repo-tool")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("no refresh token", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.vault.Store(ctx, "tenant1", "repo-tool", &vault.Credentials{Provider: "github", AccessToken: "pat"}))
		_, err := f.controller.Refresh(ctx, "tenant1", "repo-tool")
		require.ErrorIs(t, err, apperrors.ErrNoRefreshToken)
	})

	t.Run("provider rejection leaves record untouched", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.vault.Store(ctx, "tenant1", "repo-tool", &vault.Credentials{Provider: "github", AccessToken: "a", RefreshToken: "revoked"}))
		_, err := f.controller.Refresh(ctx, "tenant1", "repo-tool")
		require.ErrorIs(t, err, apperrors.ErrTokenExchangeFailure)
		require.Equal(t, 502, apperrors.HTTPStatus(err))

		creds, err := f.vault.Fetch(ctx, "tenant1", "repo-tool")
		require.NoError(t, err)
		require.Equal(t, "a", creds.AccessToken)
	})
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.vault.Store(ctx, "tenant1", "repo-tool", &vault.Credentials{
		Provider: "github", AccessToken: "old", RefreshToken: "refresh-1", ExpiresAt: time.Now().Add(time.Minute),
	}))

	creds, err := f.controller.AccessToken(ctx, "tenant1", "repo-tool")
	require.NoError(t, err)
	require.Equal(t, "access-refreshed", creds.AccessToken)
	require.EqualValues(t, 1, f.provider.refreshes.Load())

	creds, err = f.controller.AccessToken(ctx, "tenant1", "repo-tool")
	require.NoError(t, err)
	require.Equal(t, "access-refreshed", creds.AccessToken)
	require.EqualValues(t, 1, f.provider.refreshes.Load())
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes remotely and deletes", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		require.NoError(t, f.controller.Revoke(ctx, "tenant1", "repo-tool"))
		require.EqualValues(t, 2, f.provider.revocations.Load())
		_, err := f.controller.Status(ctx, "tenant1", "repo-tool")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("deletes even when remote revocation fails", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		f.provider.mu.Lock()
		f.provider.failRevoke = true
		f.provider.mu.Unlock()
		require.NoError(t, f.controller.Revoke(ctx, "tenant1", "repo-tool"))
		require.Positive(t, f.provider.revocations.Load())
		_, err := f.vault.Fetch(ctx, "tenant1", "repo-tool")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("deletes even when credentials cannot be decrypted", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		record, err := f.tokens.Get(ctx, "tenant1", "repo-tool")
		require.NoError(t, err)
		record.AccessTokenEncrypted[0] ^= 0xff
		require.NoError(t, f.tokens.Upsert(ctx, record))

		require.NoError(t, f.controller.Revoke(ctx, "tenant1", "repo-tool"))
		require.Zero(t, f.provider.revocations.Load())
		_, err = f.tokens.Get(ctx, "tenant1", "repo-tool")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("nothing stored", func(t *testing.T) {
		f := newFixture(t)
		err := f.controller.Revoke(ctx, "tenant1", "repo-tool")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}
