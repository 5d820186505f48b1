package config

import "time"

type OAuthConfig interface {
	GetStateTTL() time.Duration
	GetStateSweepInterval() time.Duration
	GetRefreshBuffer() time.Duration
	GetHTTPTimeout() time.Duration
	GetCallbackSuccessURL() string
	GetCallbackErrorURL() string
	GetCallbackRatePerMinute() int
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

func (OAuth) GetStateTTL() time.Duration {
	return GetDuration("STATE_TTL", 5*time.Minute)
}

func (OAuth) GetStateSweepInterval() time.Duration {
	return GetDuration("STATE_SWEEP_INTERVAL", time.Minute)
}

// GetRefreshBuffer is how close to expiry a stored access token may get before it is refreshed on read.
func (OAuth) GetRefreshBuffer() time.Duration {
	return GetDuration("REFRESH_BUFFER", 5*time.Minute)
}

func (OAuth) GetHTTPTimeout() time.Duration {
	return GetDuration("HTTP_TIMEOUT", 10*time.Second)
}

func (OAuth) GetCallbackSuccessURL() string {
	return GetEnv("CALLBACK_SUCCESS_URL", "/integrations/connected")
}

func (OAuth) GetCallbackErrorURL() string {
	return GetEnv("CALLBACK_ERROR_URL", "/integrations/error")
}

func (OAuth) GetCallbackRatePerMinute() int {
	return GetInt("CALLBACK_RATE_PER_MINUTE", 20)
}
