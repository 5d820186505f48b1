package server

import (
	"net/http"
	"strings"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/token/jwt"
	"github.com/rs/zerolog/log"
)

// RequireAuth is middleware that validates a Bearer token against the configured issuers
// and puts the resulting principal on the request context.
func (s *Server) RequireAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				s.metrics.ObserveAuth("none", "missing")
				writeAuthError(w, apperrors.ErrUnauthenticated)
				return
			}

			caller, err := s.auth.Authenticate(r.Context(), token)
			if err != nil {
				s.metrics.ObserveAuth("unknown", authOutcome(err))
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("bearer token rejected")
				writeAuthError(w, err)
				return
			}
			s.metrics.ObserveAuth(caller.Issuer, "ok")

			next(w, r.WithContext(jwt.NewContext(r.Context(), caller)))
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// authOutcome is the metrics label for a rejected token.
func authOutcome(err error) string {
	switch {
	case apperrors.Is(err, apperrors.ErrTokenExpired):
		return "expired"
	case apperrors.Is(err, apperrors.ErrTokenNotYetValid):
		return "not_yet_valid"
	case apperrors.Is(err, apperrors.ErrUnknownIssuer):
		return "unknown_issuer"
	case apperrors.Is(err, apperrors.ErrKeyFetchFailure):
		return "key_fetch_failure"
	default:
		return "invalid"
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	if apperrors.HTTPStatus(err) == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeError(w, err)
}

// principal returns the caller authenticated by RequireAuth.
func principal(r *http.Request) *jwt.Principal {
	p, ok := jwt.FromContext(r.Context())
	if !ok {
		// Only reachable when a route skips RequireAuth.
		panic("server: route handler requires an authenticated principal")
	}
	return p
}
