package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. DEV gets a human readable console writer,
// every other environment logs JSON lines to stdout.
func Setup(env, level string) {
	SetupWriter(env, level, os.Stdout)
}

func SetupWriter(env, level string, out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(ParseLevel(level))

	if strings.EqualFold(env, "DEV") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel falls back to info for unknown level names.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// Redact keeps the first few characters of an opaque token so log lines can be correlated
// without exposing the value.
func Redact(token string) string {
	const keep = 8
	if len(token) <= keep {
		return strings.Repeat("*", len(token))
	}
	return token[:keep] + "..."
}
