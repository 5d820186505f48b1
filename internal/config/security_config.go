package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

type SecurityConfig interface {
	GetEncryptionKey() ([]byte, error)
	GetJWKSCacheTTL() time.Duration
	GetJWKSMinRefreshInterval() time.Duration
	GetJWTLeeway() time.Duration
}

type Security struct{}

var _ SecurityConfig = Security{}

// GetEncryptionKey decodes ENCRYPTION_KEY (standard or URL-safe base64) into a 256-bit key.
func (Security) GetEncryptionKey() ([]byte, error) {
	encoded := GetEnv("ENCRYPTION_KEY", "")
	if encoded == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is not set")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(encoded)
		if err == nil {
			if len(key) != 32 {
				return nil, fmt.Errorf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("ENCRYPTION_KEY is not valid base64")
}

func (Security) GetJWKSCacheTTL() time.Duration {
	return GetDuration("JWKS_CACHE_TTL", 24*time.Hour)
}

func (Security) GetJWKSMinRefreshInterval() time.Duration {
	return GetDuration("JWKS_MIN_REFRESH_INTERVAL", 10*time.Second)
}

func (Security) GetJWTLeeway() time.Duration {
	return GetDuration("JWT_LEEWAY", 30*time.Second)
}
