package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 10 * time.Second

// New returns a standard *http.Client that retries a failed call once (connection errors,
// 429 and 5xx) with a short bounded backoff. Each attempt is limited by timeout.
func New(timeout time.Duration) *http.Client {
	return NewRetryable(timeout).StandardClient()
}

func NewRetryable(timeout time.Duration) *retryablehttp.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := retryablehttp.NewClient()
	c.RetryMax = 1
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 500 * time.Millisecond
	c.HTTPClient.Timeout = timeout
	c.Logger = leveledLogger{logger: log.Logger.With().Str("component", "httpclient").Logger()}
	return c
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger. Request URLs are logged but
// never bodies, which may carry credentials.
type leveledLogger struct {
	logger zerolog.Logger
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.event(l.logger.Error(), msg, keysAndValues)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.event(l.logger.Debug(), msg, keysAndValues)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.event(l.logger.Trace(), msg, keysAndValues)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.event(l.logger.Warn(), msg, keysAndValues)
}

func (leveledLogger) event(e *zerolog.Event, msg string, keysAndValues []interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		switch v := keysAndValues[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Str(key, v.String())
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
