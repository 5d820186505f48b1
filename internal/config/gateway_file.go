package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

type GatewayConfig interface {
	GetProviders() []ProviderSpec
	GetIssuers() []IssuerSpec
	GetAgents() map[string]AgentSpec
}

// GatewayFile is the YAML document holding the data-only parts of the configuration:
// OAuth providers, trusted token issuers and downstream agents.
// Values may reference environment variables as ${NAME}; secrets belong there.
type GatewayFile struct {
	Providers []ProviderSpec       `yaml:"providers"`
	Issuers   []IssuerSpec         `yaml:"issuers"`
	Agents    map[string]AgentSpec `yaml:"agents"`
}

type ProviderSpec struct {
	Name            string            `yaml:"name"`
	Issuer          string            `yaml:"issuer,omitempty"` // OIDC issuer used to discover endpoints left blank
	AuthURL         string            `yaml:"auth_url,omitempty"`
	TokenURL        string            `yaml:"token_url,omitempty"`
	RevokeURL       string            `yaml:"revoke_url,omitempty"`
	ClientID        string            `yaml:"client_id"`
	ClientSecret    string            `yaml:"client_secret"`
	DefaultScopes   []string          `yaml:"default_scopes,omitempty"`
	AuthStyle       string            `yaml:"auth_style,omitempty"` // "header", "params" or "" (auto)
	OfflineAccess   bool              `yaml:"offline_access,omitempty"`
	ExtraAuthParams map[string]string `yaml:"extra_auth_params,omitempty"`
}

type IssuerSpec struct {
	Tag         string `yaml:"tag"`
	IssuerURL   string `yaml:"issuer_url"`
	JWKSURL     string `yaml:"jwks_url,omitempty"`
	TenantClaim string `yaml:"tenant_claim,omitempty"`
	EmailClaim  string `yaml:"email_claim,omitempty"`
	RoleClaim   string `yaml:"role_claim,omitempty"`
	Audience    string `yaml:"audience,omitempty"`
}

type AgentSpec struct {
	URL string `yaml:"url"`
	// Integration, when set, makes dispatch attach the caller's stored provider token for it.
	Integration string `yaml:"integration,omitempty"`
}

type gatewayFileConfig struct {
	file *GatewayFile
}

func (g *gatewayFileConfig) GetProviders() []ProviderSpec {
	return g.file.Providers
}

func (g *gatewayFileConfig) GetIssuers() []IssuerSpec {
	return g.file.Issuers
}

func (g *gatewayFileConfig) GetAgents() map[string]AgentSpec {
	return g.file.Agents
}

// LoadGatewayFile reads and parses the gateway file. An empty path yields an empty configuration.
func LoadGatewayFile(path string) (*GatewayFile, error) {
	if path == "" {
		return &GatewayFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("gateway file %s does not exist", path)
		}
		return nil, fmt.Errorf("failed to read gateway file: %w", err)
	}
	return ParseGatewayFile(data)
}

// ParseGatewayFile expands ${VAR} references and decodes the YAML document.
func ParseGatewayFile(data []byte) (*GatewayFile, error) {
	expanded := os.ExpandEnv(string(data))
	var file GatewayFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("failed to parse gateway file: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Providers))
	for _, p := range file.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider entry without a name")
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("provider %q declared twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	for _, iss := range file.Issuers {
		if iss.Tag == "" || iss.IssuerURL == "" {
			return nil, fmt.Errorf("issuer entries need tag and issuer_url")
		}
	}
	return &file, nil
}
