package keys

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL                = 24 * time.Hour
	DefaultMinRefreshInterval = 10 * time.Second

	maxJWKSBytes = 1 << 20
)

// NowTimeFunc is the cache clock, replaceable in tests.
var NowTimeFunc = time.Now

type issuerKeys struct {
	jwksURL     string
	keys        map[string]crypto.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
}

// KeyCache holds the JWKS of each registered issuer. Keys are cached for the TTL; a lookup
// for an unknown kid triggers an immediate refresh unless one ran within the minimum
// refresh interval. Concurrent refreshes for one issuer share a single fetch.
type KeyCache struct {
	client             *http.Client
	ttl                time.Duration
	minRefreshInterval time.Duration

	mu      sync.RWMutex
	issuers map[string]*issuerKeys
	fetches singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*KeyCache)

func WithTTL(ttl time.Duration) Option {
	return func(c *KeyCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMinRefreshInterval bounds how often a kid miss may refetch an issuer's key set.
// Zero disables the throttle.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(c *KeyCache) {
		if d >= 0 {
			c.minRefreshInterval = d
		}
	}
}

func NewKeyCache(client *http.Client, opts ...Option) *KeyCache {
	if client == nil {
		client = http.DefaultClient
	}
	c := &KeyCache{
		client:             client,
		ttl:                DefaultTTL,
		minRefreshInterval: DefaultMinRefreshInterval,
		issuers:            make(map[string]*issuerKeys),
		stop:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds an issuer. An empty jwksURL is discovered from the issuer's OpenID
// configuration on first fetch.
func (c *KeyCache) Register(issuer, jwksURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.issuers[issuer]; ok {
		if jwksURL != "" {
			existing.jwksURL = jwksURL
		}
		return
	}
	c.issuers[issuer] = &issuerKeys{jwksURL: jwksURL}
}

func (c *KeyCache) Issuers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	issuers := make([]string, 0, len(c.issuers))
	for iss := range c.issuers {
		issuers = append(issuers, iss)
	}
	return issuers
}

// Key returns the verification key for kid. It fails with ErrKeyFetchFailure when the key
// set cannot be fetched and ErrSignatureInvalid when the kid is unknown after a refresh.
func (c *KeyCache) Key(ctx context.Context, issuer, kid string) (crypto.PublicKey, error) {
	key, fresh, err := c.lookup(issuer, kid)
	if err != nil {
		return nil, err
	}
	if key != nil && fresh {
		return key, nil
	}

	if !c.refreshAllowed(issuer) {
		switch {
		case key != nil:
			return key, nil
		case fresh:
			return nil, apperrors.Wrapf(apperrors.ErrSignatureInvalid, "unknown kid %q for issuer %s", kid, issuer)
		default:
			return nil, apperrors.Wrapf(apperrors.ErrKeyFetchFailure, "issuer %s: recent fetch failed", issuer)
		}
	}

	if refreshErr := c.Refresh(ctx, issuer); refreshErr != nil {
		if key != nil {
			log.Warn().Err(refreshErr).Str("issuer", issuer).Msg("serving stale signing keys after failed refresh")
			return key, nil
		}
		return nil, refreshErr
	}

	if key, _, err = c.lookup(issuer, kid); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, apperrors.Wrapf(apperrors.ErrSignatureInvalid, "unknown kid %q for issuer %s", kid, issuer)
	}
	return key, nil
}

func (c *KeyCache) lookup(issuer, kid string) (crypto.PublicKey, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.issuers[issuer]
	if !ok {
		return nil, false, apperrors.Wrapf(apperrors.ErrUnknownIssuer, "issuer %s has no key set", issuer)
	}
	fresh := entry.keys != nil && NowTimeFunc().Sub(entry.fetchedAt) < c.ttl
	return entry.keys[kid], fresh, nil
}

// refreshAllowed throttles fetches triggered by lookups.
func (c *KeyCache) refreshAllowed(issuer string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry := c.issuers[issuer]
	return entry == nil || entry.lastAttempt.IsZero() || NowTimeFunc().Sub(entry.lastAttempt) >= c.minRefreshInterval
}

// Refresh fetches the issuer's key set now. Concurrent callers for the same issuer share
// one fetch. The fetch is detached from the caller's cancellation.
func (c *KeyCache) Refresh(ctx context.Context, issuer string) error {
	detached := context.WithoutCancel(ctx)
	ch := c.fetches.DoChan(issuer, func() (interface{}, error) {
		return nil, c.fetch(detached, issuer)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return apperrors.Wrapf(apperrors.ErrKeyFetchFailure, "issuer %s: %v", issuer, ctx.Err())
	}
}

func (c *KeyCache) fetch(ctx context.Context, issuer string) error {
	c.mu.RLock()
	entry, ok := c.issuers[issuer]
	var jwksURL string
	if ok {
		jwksURL = entry.jwksURL
	}
	c.mu.RUnlock()
	if !ok {
		return apperrors.Wrapf(apperrors.ErrUnknownIssuer, "issuer %s has no key set", issuer)
	}

	var keys map[string]crypto.PublicKey
	var err error
	if jwksURL == "" {
		jwksURL, err = c.discoverJWKSURL(ctx, issuer)
	}
	if err == nil {
		keys, err = c.fetchKeySet(ctx, jwksURL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := NowTimeFunc()
	entry.lastAttempt = now
	if err != nil {
		log.Err(err).Str("issuer", issuer).Msg("failed to refresh signing keys")
		return apperrors.Wrapf(apperrors.ErrKeyFetchFailure, "issuer %s: %v", issuer, err)
	}
	entry.jwksURL = jwksURL
	entry.keys = keys
	entry.fetchedAt = now
	log.Debug().Str("issuer", issuer).Int("keys", len(keys)).Msg("refreshed signing keys")
	return nil
}

func (c *KeyCache) discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.client), issuer)
	if err != nil {
		return "", fmt.Errorf("discover jwks_uri: %w", err)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("discover jwks_uri: %w", err)
	}
	if meta.JWKSURI == "" {
		return "", errors.New("issuer metadata has no jwks_uri")
	}
	return meta.JWKSURI, nil
}

func (c *KeyCache) fetchKeySet(ctx context.Context, jwksURL string) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("jwks status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub := k.Public()
		if !pub.Valid() {
			continue
		}
		keys[k.KeyID] = pub.Key
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contained no usable keys")
	}
	return keys, nil
}

// Warm fetches every registered issuer's key set. Failures are returned joined but do not
// stop the remaining fetches; a cold issuer is fetched again on first use.
func (c *KeyCache) Warm(ctx context.Context) error {
	var errs []error
	for _, issuer := range c.Issuers() {
		if err := c.Refresh(ctx, issuer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Loaded fails while any registered issuer has never had its key set fetched.
func (c *KeyCache) Loaded() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var missing []string
	for issuer, entry := range c.issuers {
		if entry.keys == nil {
			missing = append(missing, issuer)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return apperrors.Wrapf(apperrors.ErrKeyFetchFailure, "no keys loaded for %s", strings.Join(missing, ", "))
}

// Start refreshes stale key sets every interval until Close.
func (c *KeyCache) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refreshStale()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *KeyCache) refreshStale() {
	var stale []string
	c.mu.RLock()
	for issuer, entry := range c.issuers {
		if entry.keys == nil || NowTimeFunc().Sub(entry.fetchedAt) >= c.ttl {
			stale = append(stale, issuer)
		}
	}
	c.mu.RUnlock()

	for _, issuer := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		_ = c.Refresh(ctx, issuer)
		cancel()
	}
}

func (c *KeyCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.done != nil {
			<-c.done
		}
	})
}
