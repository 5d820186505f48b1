package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types for the gateway
var (
	// Flow integrity errors. Terminal: the client must restart the OAuth flow.
	ErrInvalidState    = errors.New("invalid state")
	ErrExpiredState    = errors.New("expired state")
	ErrAlreadyConsumed = errors.New("state already consumed")

	// Provider errors
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrTokenExchangeFailure = errors.New("token exchange failed")
	ErrNoRefreshToken       = errors.New("no refresh token")

	// Vault errors
	ErrDecryptionFailure = errors.New("decryption failure")

	// Authentication errors
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrUnknownIssuer     = errors.New("unknown issuer")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenNotYetValid  = errors.New("token not yet valid")
	ErrKeyFetchFailure   = errors.New("key fetch failure")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrMissingField      = errors.New("missing field")
	ErrInvalidEncryption = errors.New("invalid encryption key")

	// General errors
	ErrNotFound = errors.New("not found")
	ErrInternal = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New, re-exported so callers importing this package under the
// errors name keep the standard constructor.
func New(text string) error {
	return errors.New(text)
}

type classification struct {
	target   error
	status   int
	code     string
	callback string
	message  string
}

// classifications is ordered: the first match in an error chain wins.
var classifications = []classification{
	{ErrMissingField, http.StatusBadRequest, "invalid_request", "missing_parameters", "A required field is missing"},
	{ErrInvalidRequest, http.StatusBadRequest, "invalid_request", "missing_parameters", "The request is malformed"},
	{ErrInvalidState, http.StatusBadRequest, "invalid_state", "invalid_state", "The authorization state is invalid"},
	{ErrExpiredState, http.StatusBadRequest, "expired_state", "expired_state", "The authorization state has expired"},
	{ErrAlreadyConsumed, http.StatusBadRequest, "state_already_used", "state_already_used", "The authorization state was already used"},
	{ErrUnknownProvider, http.StatusNotFound, "unknown_provider", "unknown_provider", "The provider is not registered"},
	{ErrAgentNotFound, http.StatusNotFound, "unknown_agent", "internal_error", "The agent is not registered"},
	{ErrNoRefreshToken, http.StatusNotFound, "no_refresh_token", "internal_error", "No refresh token is stored for this integration"},
	{ErrNotFound, http.StatusNotFound, "not_found", "internal_error", "No stored token for this integration"},
	{ErrUnknownIssuer, http.StatusUnauthorized, "unauthorized", "internal_error", "Invalid token"},
	{ErrSignatureInvalid, http.StatusUnauthorized, "unauthorized", "internal_error", "Invalid token"},
	{ErrTokenExpired, http.StatusUnauthorized, "unauthorized", "internal_error", "Token expired"},
	{ErrTokenNotYetValid, http.StatusUnauthorized, "unauthorized", "internal_error", "Invalid token"},
	{ErrUnauthenticated, http.StatusUnauthorized, "unauthorized", "internal_error", "Authentication required"},
	{ErrTokenExchangeFailure, http.StatusBadGateway, "token_exchange_failed", "token_exchange_failed", "The provider rejected the token request"},
	{ErrUpstreamFailure, http.StatusBadGateway, "upstream_failure", "internal_error", "The agent request failed"},
	{ErrKeyFetchFailure, http.StatusServiceUnavailable, "temporarily_unavailable", "internal_error", "Signing keys are temporarily unavailable"},
	{ErrCircuitOpen, http.StatusServiceUnavailable, "agent_unavailable", "internal_error", "The agent is temporarily unavailable"},
	{ErrDecryptionFailure, http.StatusInternalServerError, "server_error", "storage_error", "Internal error"},
}

func classify(err error) (classification, bool) {
	for _, c := range classifications {
		if errors.Is(err, c.target) {
			return c, true
		}
	}
	return classification{}, false
}

// HTTPStatus maps an error in the taxonomy to the HTTP status the API surfaces.
func HTTPStatus(err error) int {
	if c, ok := classify(err); ok {
		return c.status
	}
	return http.StatusInternalServerError
}

// Code returns the machine readable error code used in JSON error bodies.
func Code(err error) string {
	if c, ok := classify(err); ok {
		return c.code
	}
	return "server_error"
}

// PublicMessage returns a description that is safe to show to clients.
// It never includes wrapped error text.
func PublicMessage(err error) string {
	if c, ok := classify(err); ok {
		return c.message
	}
	return "Internal error"
}

// CallbackCode returns the coarse code carried on an OAuth callback error redirect.
func CallbackCode(err error) string {
	if c, ok := classify(err); ok {
		return c.callback
	}
	return "internal_error"
}

// Permanent reports whether retrying the same input can never succeed.
func Permanent(err error) bool {
	return errors.Is(err, ErrDecryptionFailure) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrAlreadyConsumed)
}
