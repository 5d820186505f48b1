package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jrsteele09/go-agent-gateway/breaker"
	"github.com/jrsteele09/go-agent-gateway/internal/config"
	"github.com/jrsteele09/go-agent-gateway/internal/httpclient"
	"github.com/jrsteele09/go-agent-gateway/metrics"
	"github.com/jrsteele09/go-agent-gateway/oauthflow"
	"github.com/jrsteele09/go-agent-gateway/oauthstate"
	"github.com/jrsteele09/go-agent-gateway/providers"
	"github.com/jrsteele09/go-agent-gateway/server"
	"github.com/jrsteele09/go-agent-gateway/storage/sqlstore"
	"github.com/jrsteele09/go-agent-gateway/token/jwt"
	"github.com/jrsteele09/go-agent-gateway/token/keys"
	"github.com/jrsteele09/go-agent-gateway/vault"
	"github.com/rs/zerolog/log"
)

// gateway is the fully wired process. Close releases background workers and storage.
type gateway struct {
	handler http.Handler
	closers []func()
}

func (g *gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
}

type repos struct {
	states   oauthstate.Repo
	tokens   vault.Repo
	breakers breaker.Repo
	ping     server.ReadyCheck
	close    func()
}

func openRepos(ctx context.Context, c config.StorageConfig) (*repos, error) {
	driver := c.GetStorageDriver()
	if driver == "memory" {
		log.Warn().Msg("using in-memory storage: tokens and breaker state are lost on restart")
		return &repos{
			states:   oauthstate.NewInMemoryRepo(),
			tokens:   vault.NewInMemoryRepo(),
			breakers: breaker.NewInMemoryRepo(),
			ping:     func(context.Context) error { return nil },
			close:    func() {},
		}, nil
	}

	store, err := sqlstore.Open(ctx, driver, c.GetDatabaseURL())
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return &repos{
		states:   store.States(),
		tokens:   store.Tokens(),
		breakers: store.Breakers(),
		ping:     store.Ping,
		close:    func() { _ = store.Close() },
	}, nil
}

func buildGateway(ctx context.Context, c config.Config) (*gateway, error) {
	gw := &gateway{}
	fail := func(err error) (*gateway, error) {
		gw.Close()
		return nil, fmt.Errorf("[buildGateway] %w", err)
	}

	masterKey, err := c.GetEncryptionKey()
	if err != nil {
		return fail(err)
	}
	stateCipher, err := vault.NewCipher(masterKey, vault.PurposeOAuthState)
	if err != nil {
		return fail(err)
	}
	credCipher, err := vault.NewCipher(masterKey, vault.PurposeCredentials)
	if err != nil {
		return fail(err)
	}

	store, err := openRepos(ctx, c)
	if err != nil {
		return fail(err)
	}
	gw.closers = append(gw.closers, store.close)

	client := httpclient.New(c.GetHTTPTimeout())
	m := metrics.New()

	registry, err := providers.FromSpecs(ctx, c.GetProviders(), client)
	if err != nil {
		return fail(err)
	}

	keyCache := keys.NewKeyCache(client,
		keys.WithTTL(c.GetJWKSCacheTTL()),
		keys.WithMinRefreshInterval(c.GetJWKSMinRefreshInterval()))
	profiles := jwt.ProfilesFromSpecs(c.GetIssuers())
	for _, p := range profiles {
		keyCache.Register(p.IssuerURL, p.JWKSURL)
	}
	if err := keyCache.Warm(ctx); err != nil {
		// Keys are fetched again on first use; readiness reports the gap meanwhile.
		log.Warn().Err(err).Msg("could not load every issuer key set at startup")
	}
	keyCache.Start(c.GetJWKSCacheTTL() / 4)
	gw.closers = append(gw.closers, keyCache.Close)

	auth, err := jwt.NewGateway(keyCache, profiles, jwt.WithLeeway(c.GetJWTLeeway()))
	if err != nil {
		return fail(err)
	}

	states := oauthstate.NewStore(store.states, stateCipher, c.GetStateTTL())
	states.StartSweeper(c.GetStateSweepInterval())
	gw.closers = append(gw.closers, states.Stop)

	flow := oauthflow.NewController(registry, states,
		vault.New(store.tokens, credCipher, vault.WithRefreshBuffer(c.GetRefreshBuffer())),
		oauthflow.Config{
			RedirectURL: c.GetBaseURL() + server.RouteOAuthCallback,
			SuccessURL:  c.GetCallbackSuccessURL(),
			ErrorURL:    c.GetCallbackErrorURL(),
			HTTPClient:  client,
			Observer:    m,
		})

	breakers := breaker.NewManager(store.breakers, breaker.Config{
		FailureThreshold: c.GetBreakerFailureThreshold(),
		Cooldown:         c.GetBreakerCooldown(),
		Observer:         m,
	})

	agentTransport := http.DefaultTransport.(*http.Transport).Clone()
	agentTransport.MaxIdleConnsPerHost = 32

	srv, err := server.New(c, server.Deps{
		Flow:     flow,
		Auth:     auth,
		Breakers: breakers,
		Metrics:  m,
		Ready: map[string]server.ReadyCheck{
			"storage":      store.ping,
			"signing_keys": func(context.Context) error { return keyCache.Loaded() },
		},
		Transport: agentTransport,
	})
	if err != nil {
		return fail(err)
	}
	gw.handler = srv

	log.Info().
		Strs("providers", registry.Names()).
		Int("issuers", len(profiles)).
		Int("agents", len(c.GetAgents())).
		Str("storage", c.GetStorageDriver()).
		Msg("gateway ready")
	return gw, nil
}
