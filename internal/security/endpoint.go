package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	sealVersion = "v1"
	gcmTagSize  = 16
)

var (
	ErrInvalidKey = errors.New("security: endpoint key must be 32 bytes")
	// ErrDecrypt is returned for every unseal failure; callers cannot tell a
	// corrupt envelope from a wrong key.
	ErrDecrypt = errors.New("security: cannot decrypt endpoint")
)

// EndpointSealer encrypts agent callback endpoints at rest with AES-256-GCM.
type EndpointSealer struct {
	aead cipher.AEAD
}

// NewEndpointSealer builds a sealer from a 32-byte key.
func NewEndpointSealer(key []byte) (*EndpointSealer, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return &EndpointSealer{aead: aead}, nil
}

// ParseKey decodes a 32-byte key given as 64 hex chars or standard base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, ErrInvalidKey
}

// Encrypt seals plaintext under a fresh random nonce. The envelope is
// "v1:<nonce>:<tag>:<ciphertext>" with each part base64 encoded.
func (s *EndpointSealer) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("security: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	enc := base64.StdEncoding
	return strings.Join([]string{
		sealVersion,
		enc.EncodeToString(nonce),
		enc.EncodeToString(tag),
		enc.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (s *EndpointSealer) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 4 || parts[0] != sealVersion {
		return "", ErrDecrypt
	}
	enc := base64.StdEncoding
	nonce, err := enc.DecodeString(parts[1])
	if err != nil || len(nonce) != s.aead.NonceSize() {
		return "", ErrDecrypt
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil || len(tag) != gcmTagSize {
		return "", ErrDecrypt
	}
	ct, err := enc.DecodeString(parts[3])
	if err != nil {
		return "", ErrDecrypt
	}
	plaintext, err := s.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
