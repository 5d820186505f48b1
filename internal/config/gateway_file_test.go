package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-agent-gateway/internal/config"
	"github.com/stretchr/testify/require"
)

const gatewayYAML = `
providers:
  - name: github
    auth_url: https://github.com/login/oauth/authorize
    token_url: https://github.com/login/oauth/access_token
    client_id: gh-client
    client_secret: ${TEST_GH_SECRET}
    default_scopes: [repo]
issuers:
  - tag: primary
    issuer_url: https://clerk.example.com
    jwks_url: https://clerk.example.com/.well-known/jwks.json
    tenant_claim: org_id
agents:
  research:
    url: http://research:9000
`

func TestParseGatewayFile(t *testing.T) {
	t.Setenv("TEST_GH_SECRET", "s3cret")

	file, err := config.ParseGatewayFile([]byte(gatewayYAML))
	require.NoError(t, err)
	require.Len(t, file.Providers, 1)
	require.Equal(t, "s3cret", file.Providers[0].ClientSecret)
	require.Equal(t, []string{"repo"}, file.Providers[0].DefaultScopes)
	require.Equal(t, "org_id", file.Issuers[0].TenantClaim)
	require.Equal(t, "http://research:9000", file.Agents["research"].URL)
}

func TestParseGatewayFileRejectsDuplicates(t *testing.T) {
	_, err := config.ParseGatewayFile([]byte(`
providers:
  - name: github
  - name: github
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "declared twice")
}

func TestLoadGatewayFile(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		file, err := config.LoadGatewayFile("")
		require.NoError(t, err)
		require.Empty(t, file.Providers)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.LoadGatewayFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("from disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gateway.yaml")
		require.NoError(t, os.WriteFile(path, []byte(gatewayYAML), 0o600))
		file, err := config.LoadGatewayFile(path)
		require.NoError(t, err)
		require.Equal(t, "github", file.Providers[0].Name)
	})
}

func TestEnvGetters(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STATE_TTL", "2m")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "not-a-number")
	t.Setenv("ENCRYPTION_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")

	cfg := config.NewWithGatewayFile(nil)
	require.Equal(t, ":9090", cfg.GetPort())
	require.Equal(t, 2*time.Minute, cfg.GetStateTTL())
	require.Equal(t, 5, cfg.GetBreakerFailureThreshold())

	key, err := cfg.GetEncryptionKey()
	require.NoError(t, err)
	require.Len(t, key, 32)
}

func TestEncryptionKeyWrongLength(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "c2hvcnQ=")
	_, err := config.NewWithGatewayFile(nil).GetEncryptionKey()
	require.Error(t, err)
}
