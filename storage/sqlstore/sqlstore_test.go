package sqlstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-agent-gateway/breaker"
	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/oauthstate"
	"github.com/jrsteele09/go-agent-gateway/storage/sqlstore"
	"github.com/jrsteele09/go-agent-gateway/vault"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	// The schema is idempotent.
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestSQLiteRepos(t *testing.T) {
	testRepos(t, openSQLite(t))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), "mysql", "dsn")
	require.Error(t, err)
}

// testRepos runs against any migrated store.
func testRepos(t *testing.T, store *sqlstore.Store) {
	t.Run("states", func(t *testing.T) { testStateRepo(t, store.States()) })
	t.Run("tokens", func(t *testing.T) { testTokenRepo(t, store.Tokens()) })
	t.Run("breakers", func(t *testing.T) { testBreakerRepo(t, store.Breakers()) })
}

func testStateRepo(t *testing.T, repo oauthstate.Repo) {
	ctx := context.Background()
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	state := &oauthstate.State{
		ID:                    "id-1",
		Token:                 "token-1",
		Provider:              "github",
		IntegrationName:       "repo-tool",
		TenantID:              "tenant1",
		CodeVerifierEncrypted: []byte{1, 2, 3},
		RedirectURI:           "https://gw.example.com/callback",
		CreatedAt:             created,
	}
	require.NoError(t, repo.Create(ctx, state))
	require.Error(t, repo.Create(ctx, state))

	got, err := repo.Consume(ctx, "token-1", created.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "repo-tool", got.IntegrationName)
	require.Equal(t, []byte{1, 2, 3}, got.CodeVerifierEncrypted)
	require.True(t, got.CreatedAt.Equal(created))
	require.NotNil(t, got.ConsumedAt)
	require.True(t, got.ConsumedAt.Equal(created.Add(time.Minute)))

	_, err = repo.Consume(ctx, "token-1", created.Add(2*time.Minute))
	require.ErrorIs(t, err, apperrors.ErrAlreadyConsumed)
	_, err = repo.Consume(ctx, "unknown", created)
	require.ErrorIs(t, err, apperrors.ErrInvalidState)

	t.Run("concurrent consumers", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, &oauthstate.State{ID: "id-race", Token: "race", CodeVerifierEncrypted: []byte{9}, CreatedAt: created}))
		const racers = 16
		var wg sync.WaitGroup
		errs := make([]error, racers)
		for i := range racers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = repo.Consume(ctx, "race", created)
			}()
		}
		wg.Wait()
		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			require.ErrorIs(t, err, apperrors.ErrAlreadyConsumed)
		}
		require.Equal(t, 1, wins)
	})

	t.Run("delete created before", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, &oauthstate.State{ID: "id-new", Token: "new", CodeVerifierEncrypted: []byte{1}, CreatedAt: created.Add(time.Hour)}))
		n, err := repo.DeleteCreatedBefore(ctx, created.Add(30*time.Minute))
		require.NoError(t, err)
		require.EqualValues(t, 2, n)
		_, err = repo.Consume(ctx, "new", created.Add(time.Hour))
		require.NoError(t, err)
	})
}

func testTokenRepo(t *testing.T, repo vault.Repo) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := repo.Get(ctx, "tenant1", "repo-tool")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	rec := &vault.Record{
		ID:                    "tok-1",
		TenantID:              "tenant1",
		IntegrationName:       "repo-tool",
		Provider:              "github",
		AccessTokenEncrypted:  []byte("sealed-access"),
		RefreshTokenEncrypted: []byte("sealed-refresh"),
		ExpiresAt:             now.Add(time.Hour),
		TokenType:             "Bearer",
		Scope:                 "repo",
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	require.NoError(t, repo.Upsert(ctx, rec))

	got, err := repo.Get(ctx, "tenant1", "repo-tool")
	require.NoError(t, err)
	require.Equal(t, []byte("sealed-refresh"), got.RefreshTokenEncrypted)
	require.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))

	t.Run("upsert keeps id and created_at", func(t *testing.T) {
		later := now.Add(time.Minute)
		require.NoError(t, repo.Upsert(ctx, &vault.Record{
			ID:                   "tok-2",
			TenantID:             "tenant1",
			IntegrationName:      "repo-tool",
			Provider:             "github",
			AccessTokenEncrypted: []byte("sealed-access-2"),
			CreatedAt:            later,
			UpdatedAt:            later,
		}))
		got, err := repo.Get(ctx, "tenant1", "repo-tool")
		require.NoError(t, err)
		require.Equal(t, "tok-1", got.ID)
		require.True(t, got.CreatedAt.Equal(now))
		require.True(t, got.UpdatedAt.Equal(later))
		require.Equal(t, []byte("sealed-access-2"), got.AccessTokenEncrypted)
		require.Nil(t, got.RefreshTokenEncrypted)
		require.True(t, got.ExpiresAt.IsZero())
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "tenant1", "repo-tool"))
		require.NoError(t, repo.Delete(ctx, "tenant1", "repo-tool"))
		_, err := repo.Get(ctx, "tenant1", "repo-tool")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func testBreakerRepo(t *testing.T, repo breaker.Repo) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := repo.Get(ctx, "agent-a")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, repo.Save(ctx, &breaker.Record{AgentID: "agent-b", State: breaker.StateClosed, SuccessCount: 3, LastSuccessTime: &now, UpdatedAt: now}))
	require.NoError(t, repo.Save(ctx, &breaker.Record{AgentID: "agent-a", State: breaker.StateOpen, FailureCount: 5, LastFailureTime: &now, OpenedAt: &now, UpdatedAt: now}))

	got, err := repo.Get(ctx, "agent-a")
	require.NoError(t, err)
	require.Equal(t, breaker.StateOpen, got.State)
	require.Equal(t, 5, got.FailureCount)
	require.NotNil(t, got.OpenedAt)
	require.True(t, got.OpenedAt.Equal(now))
	require.Nil(t, got.LastSuccessTime)

	require.NoError(t, repo.Save(ctx, &breaker.Record{AgentID: "agent-a", State: breaker.StateClosed, UpdatedAt: now.Add(time.Minute)}))
	got, err = repo.Get(ctx, "agent-a")
	require.NoError(t, err)
	require.Equal(t, breaker.StateClosed, got.State)
	require.Nil(t, got.OpenedAt)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "agent-a", all[0].AgentID)
	require.Equal(t, "agent-b", all[1].AgentID)
}

func TestVaultOverSQLite(t *testing.T) {
	store := openSQLite(t)
	cipher, err := vault.NewCipher(make([]byte, vault.KeySize), vault.PurposeCredentials)
	require.NoError(t, err)
	v := vault.New(store.Tokens(), cipher)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "tenant1", "repo-tool", &vault.Credentials{Provider: "github", AccessToken: "a", RefreshToken: "r"}))
	creds, err := v.Fetch(ctx, "tenant1", "repo-tool")
	require.NoError(t, err)
	require.Equal(t, "a", creds.AccessToken)
	require.Equal(t, "r", creds.RefreshToken)
	require.True(t, creds.ExpiresAt.IsZero())

	var raw []byte
	require.NoError(t, store.DB().QueryRow(`SELECT access_token_encrypted FROM oauth_tokens`).Scan(&raw))
	require.NotEqual(t, []byte("a"), raw)
}
