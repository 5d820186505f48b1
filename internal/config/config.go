package config

import "fmt"

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SecurityConfig
	StorageConfig
	BreakerConfig
	GatewayConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetBaseURL() string
	GetLogLevel() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	Security
	Storage
	Breaker
	*gatewayFileConfig
}

// New builds the process configuration from environment variables and the
// YAML gateway file named by GATEWAY_CONFIG.
func New() (Config, error) {
	file, err := LoadGatewayFile(GetEnv(gatewayFileVar, ""))
	if err != nil {
		return nil, fmt.Errorf("[config New] %w", err)
	}
	return mainConfig{gatewayFileConfig: &gatewayFileConfig{file: file}}, nil
}

// NewWithGatewayFile is New with an already parsed gateway file.
func NewWithGatewayFile(file *GatewayFile) Config {
	if file == nil {
		file = &GatewayFile{}
	}
	return mainConfig{gatewayFileConfig: &gatewayFileConfig{file: file}}
}
