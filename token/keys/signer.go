package keys

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues RS256 tokens carrying the key pair's kid. Used by the mint command to
// produce development tokens for a locally configured issuer.
type Signer struct {
	keyPair *KeyPair
}

func NewSigner(keyPair *KeyPair) *Signer {
	return &Signer{keyPair: keyPair}
}

func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(s.keyPair.GetSigningMethod(), claims)
	token.Header["kid"] = s.keyPair.KeyID

	signed, err := token.SignedString(s.keyPair.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
