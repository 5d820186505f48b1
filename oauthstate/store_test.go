package oauthstate_test

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/oauthstate"
	"github.com/jrsteele09/go-agent-gateway/vault"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, ttl time.Duration) (*oauthstate.Store, *oauthstate.InMemoryRepo) {
	t.Helper()
	key := make([]byte, vault.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	sealer, err := vault.NewCipher(key, vault.PurposeOAuthState)
	require.NoError(t, err)
	repo := oauthstate.NewInMemoryRepo()
	return oauthstate.NewStore(repo, sealer, ttl), repo
}

func withClock(t *testing.T, now *time.Time) {
	t.Helper()
	original := oauthstate.NowTimeFunc
	oauthstate.NowTimeFunc = func() time.Time { return *now }
	t.Cleanup(func() { oauthstate.NowTimeFunc = original })
}

func TestCreateAndConsume(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, 0)

	created, err := store.Create(ctx, "github", "repo-tool", "tenant1", "https://gw/cb")
	require.NoError(t, err)
	require.Equal(t, "S256", created.ChallengeMethod)
	require.Len(t, created.State, 43)
	require.Len(t, created.CodeVerifier, 43)

	flow, err := store.ConsumeAndValidate(ctx, created.State)
	require.NoError(t, err)
	require.Equal(t, "github", flow.Provider)
	require.Equal(t, "repo-tool", flow.IntegrationName)
	require.Equal(t, "tenant1", flow.TenantID)
	require.Equal(t, "https://gw/cb", flow.RedirectURI)

	t.Run("challenge recomputed from stored verifier matches", func(t *testing.T) {
		sum := sha256.Sum256([]byte(flow.CodeVerifier))
		require.Equal(t, created.CodeChallenge, base64.RawURLEncoding.EncodeToString(sum[:]))
		require.Equal(t, created.CodeChallenge, oauthstate.CodeChallenge(flow.CodeVerifier))
	})

	t.Run("second consume fails", func(t *testing.T) {
		_, err := store.ConsumeAndValidate(ctx, created.State)
		require.ErrorIs(t, err, apperrors.ErrAlreadyConsumed)
	})

	t.Run("unknown state", func(t *testing.T) {
		_, err := store.ConsumeAndValidate(ctx, "not-a-state")
		require.ErrorIs(t, err, apperrors.ErrInvalidState)
		_, err = store.ConsumeAndValidate(ctx, "")
		require.ErrorIs(t, err, apperrors.ErrInvalidState)
	})
}

func TestConsumeExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	withClock(t, &now)
	store, _ := newStore(t, 5*time.Minute)

	created, err := store.Create(ctx, "github", "repo-tool", "tenant1", "")
	require.NoError(t, err)

	now = now.Add(5*time.Minute + time.Second)
	_, err = store.ConsumeAndValidate(ctx, created.State)
	require.ErrorIs(t, err, apperrors.ErrExpiredState)

	_, err = store.ConsumeAndValidate(ctx, created.State)
	require.ErrorIs(t, err, apperrors.ErrAlreadyConsumed)
}

func TestConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, 0)
	created, err := store.Create(ctx, "github", "repo-tool", "tenant1", "")
	require.NoError(t, err)

	const racers = 32
	var successes, consumed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.ConsumeAndValidate(ctx, created.State)
			switch {
			case err == nil:
				successes.Add(1)
			case apperrors.Is(err, apperrors.ErrAlreadyConsumed):
				consumed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, successes.Load())
	require.EqualValues(t, racers-1, consumed.Load())
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	withClock(t, &now)
	store, _ := newStore(t, time.Minute)

	old, err := store.Create(ctx, "github", "a", "t", "")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	fresh, err := store.Create(ctx, "github", "b", "t", "")
	require.NoError(t, err)

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = store.ConsumeAndValidate(ctx, old.State)
	require.ErrorIs(t, err, apperrors.ErrInvalidState)
	_, err = store.ConsumeAndValidate(ctx, fresh.State)
	require.NoError(t, err)
}

func TestSweeperLifecycle(t *testing.T) {
	store, repo := newStore(t, time.Millisecond)
	created, err := store.Create(context.Background(), "github", "a", "t", "")
	require.NoError(t, err)

	store.StartSweeper(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := repo.Consume(context.Background(), created.State, time.Now())
		return apperrors.Is(err, apperrors.ErrInvalidState)
	}, time.Second, 5*time.Millisecond)
	store.Stop()
	store.Stop()
}
