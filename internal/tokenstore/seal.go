package tokenstore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealPrefix = "v1."

// ErrUnsealed is returned by Open for values that were not sealed or were
// sealed with a different key or storage key.
var ErrUnsealed = errors.New("token is not sealed with this key")

// Sealer encrypts credentials at rest with XChaCha20-Poly1305.  The storage
// key is bound as additional data, so a sealed value copied to another
// profile's slot does not open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a key from secret with HKDF-SHA256.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("seal secret is empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("training-portal/token-seal/v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(plain, storageKey string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plain), []byte(storageKey))
	return sealPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

func (s *Sealer) Open(sealed, storageKey string) (string, error) {
	if !strings.HasPrefix(sealed, sealPrefix) {
		return "", ErrUnsealed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, sealPrefix))
	if err != nil {
		return "", ErrUnsealed
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrUnsealed
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], []byte(storageKey))
	if err != nil {
		return "", ErrUnsealed
	}
	return string(plain), nil
}
