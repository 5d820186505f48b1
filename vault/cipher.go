package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	// Purposes bind a derived subkey to one kind of secret, so a blob sealed for one
	// purpose never decrypts under another.
	PurposeOAuthState  = "oauth-state"
	PurposeCredentials = "oauth-credentials"

	hkdfInfoPrefix = "agent-gateway/v1/"
)

// Cipher is AES-256-GCM keyed with a subkey derived from the master key. Blobs are
// nonce || ciphertext || tag, with a fresh random 96-bit nonce per call.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(masterKey []byte, purpose string) (*Cipher, error) {
	if len(masterKey) != KeySize {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidEncryption, "master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	if purpose == "" {
		return nil, fmt.Errorf("[vault NewCipher] purpose is required")
	}

	subkey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfoPrefix+purpose)), subkey); err != nil {
		return nil, fmt.Errorf("[vault NewCipher] derive subkey: %w", err)
	}
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("[vault NewCipher] %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("[vault NewCipher] %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("[vault Encrypt] nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt fails with ErrDecryptionFailure for any blob that was not produced by Encrypt
// under the same master key and purpose.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(blob) < ns+c.aead.Overhead() {
		return nil, apperrors.Wrapf(apperrors.ErrDecryptionFailure, "blob too short")
	}
	plaintext, err := c.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrDecryptionFailure, "open")
	}
	return plaintext, nil
}

func (c *Cipher) EncryptString(s string) ([]byte, error) {
	return c.Encrypt([]byte(s))
}

func (c *Cipher) DecryptString(blob []byte) (string, error) {
	b, err := c.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
