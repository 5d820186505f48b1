package oauthstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/internal/logging"
	"github.com/rs/zerolog/log"
)

const DefaultTTL = 5 * time.Minute

// NowTimeFunc is the clock used for creation and expiry, replaceable in tests.
var NowTimeFunc = time.Now

// Sealer encrypts code verifiers at rest. vault.Cipher satisfies it.
type Sealer interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// Created is what the caller needs to build the authorization URL.
type Created struct {
	State           string
	CodeVerifier    string
	CodeChallenge   string
	ChallengeMethod string
}

// Flow is a successfully consumed state with its verifier decrypted.
type Flow struct {
	Provider        string
	IntegrationName string
	TenantID        string
	CodeVerifier    string
	RedirectURI     string
	CreatedAt       time.Time
}

type Store struct {
	repo   Repo
	sealer Sealer
	ttl    time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewStore(repo Repo, sealer Sealer, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		repo:   repo,
		sealer: sealer,
		ttl:    ttl,
		stop:   make(chan struct{}),
	}
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) Create(ctx context.Context, provider, integration, tenantID, redirectURI string) (*Created, error) {
	token, err := NewStateToken()
	if err != nil {
		return nil, err
	}
	verifier := NewCodeVerifier()
	sealed, err := s.sealer.Encrypt([]byte(verifier))
	if err != nil {
		return nil, fmt.Errorf("[oauthstate Create] seal verifier: %w", err)
	}

	state := &State{
		ID:                    uuid.NewString(),
		Token:                 token,
		Provider:              provider,
		IntegrationName:       integration,
		TenantID:              tenantID,
		CodeVerifierEncrypted: sealed,
		RedirectURI:           redirectURI,
		CreatedAt:             NowTimeFunc().UTC(),
	}
	if err := s.repo.Create(ctx, state); err != nil {
		return nil, fmt.Errorf("[oauthstate Create] %w", err)
	}

	log.Debug().Str("state", logging.Redact(token)).Str("provider", provider).Str("integration", integration).Msg("created oauth state")
	return &Created{
		State:           token,
		CodeVerifier:    verifier,
		CodeChallenge:   CodeChallenge(verifier),
		ChallengeMethod: ChallengeMethod,
	}, nil
}

// ConsumeAndValidate claims the state exactly once. The claim happens before the expiry
// check, so an expired state cannot be retried either.
func (s *Store) ConsumeAndValidate(ctx context.Context, token string) (*Flow, error) {
	if token == "" {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, "empty state")
	}
	now := NowTimeFunc().UTC()
	state, err := s.repo.Consume(ctx, token, now)
	if err != nil {
		return nil, apperrors.Wrapf(err, "state %s", logging.Redact(token))
	}
	if now.Sub(state.CreatedAt) > s.ttl {
		return nil, apperrors.Wrapf(apperrors.ErrExpiredState, "state %s created %s", logging.Redact(token), state.CreatedAt.Format(time.RFC3339))
	}

	verifier, err := s.sealer.Decrypt(state.CodeVerifierEncrypted)
	if err != nil {
		log.Error().Err(err).Str("state", logging.Redact(token)).Str("tenant_id", state.TenantID).Msg("stored code verifier failed integrity check")
		return nil, err
	}
	return &Flow{
		Provider:        state.Provider,
		IntegrationName: state.IntegrationName,
		TenantID:        state.TenantID,
		CodeVerifier:    string(verifier),
		RedirectURI:     state.RedirectURI,
		CreatedAt:       state.CreatedAt,
	}, nil
}

// Sweep deletes states older than the TTL whether or not they were consumed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteCreatedBefore(ctx, NowTimeFunc().UTC().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("[oauthstate Sweep] %w", err)
	}
	return n, nil
}

// StartSweeper runs Sweep every interval on its own goroutine until Stop is called.
func (s *Store) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.done = make(chan struct{})
	go s.sweepLoop(interval)
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := s.Sweep(ctx)
			cancel()
			if err != nil {
				log.Err(err).Msg("oauth state sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("swept expired oauth states")
			}
		case <-s.stop:
			return
		}
	}
}

// Stop ends the sweeper and waits for it to exit. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.done != nil {
			<-s.done
		}
	})
}
