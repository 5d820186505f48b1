package config

import "time"

type StorageConfig interface {
	GetStorageDriver() string
	GetDatabaseURL() string
}

type Storage struct{}

var _ StorageConfig = Storage{}

// GetStorageDriver is one of memory, sqlite or postgres.
func (Storage) GetStorageDriver() string {
	return GetEnv("STORAGE_DRIVER", "memory")
}

func (Storage) GetDatabaseURL() string {
	return GetEnv("DATABASE_URL", "file:gateway.db?_pragma=busy_timeout(5000)")
}

type BreakerConfig interface {
	GetBreakerFailureThreshold() int
	GetBreakerCooldown() time.Duration
}

type Breaker struct{}

var _ BreakerConfig = Breaker{}

func (Breaker) GetBreakerFailureThreshold() int {
	return GetInt("BREAKER_FAILURE_THRESHOLD", 5)
}

func (Breaker) GetBreakerCooldown() time.Duration {
	return GetDuration("BREAKER_COOLDOWN", 30*time.Second)
}
