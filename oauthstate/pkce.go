package oauthstate

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// ChallengeMethod is the only PKCE method issued. Plain challenges are never sent.
const ChallengeMethod = "S256"

const stateTokenBytes = 32

// NewStateToken returns 32 random bytes encoded as unpadded base64url.
func NewStateToken() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("[oauthstate NewStateToken] %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewCodeVerifier returns a PKCE verifier built from 32 random bytes (43 characters).
func NewCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// CodeChallenge is the S256 challenge for verifier: base64url(sha256(verifier)).
func CodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
