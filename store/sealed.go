package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrSealedValue is returned when a stored value cannot be opened with the
// configured key.
var ErrSealedValue = errors.New("store: sealed value cannot be opened")

// SealedBackend encrypts every value with NaCl secretbox before handing it
// to the wrapped backend. Keys are stored in the clear.
type SealedBackend struct {
	inner Backend
	key   [32]byte
}

// NewSealedBackend derives a 256-bit key from secret with HKDF-SHA256.
func NewSealedBackend(inner Backend, secret string) (*SealedBackend, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("store: encryption secret must be at least 16 bytes")
	}
	s := &SealedBackend{inner: inner}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("fleetdesk credential store v1"))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("store: derive key: %w", err)
	}
	return s, nil
}

func (s *SealedBackend) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	plain, err := s.open(raw)
	if err != nil {
		return "", false, fmt.Errorf("%w: %s", ErrSealedValue, key)
	}
	return plain, true, nil
}

func (s *SealedBackend) SetMany(ctx context.Context, values map[string]string) error {
	sealed := make(map[string]string, len(values))
	for k, v := range values {
		box, err := s.seal(v)
		if err != nil {
			return err
		}
		sealed[k] = box
	}
	return s.inner.SetMany(ctx, sealed)
}

func (s *SealedBackend) Delete(ctx context.Context, keys ...string) error {
	return s.inner.Delete(ctx, keys...)
}

func (s *SealedBackend) seal(plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("store: nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *SealedBackend) open(encoded string) (string, error) {
	data, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil || len(data) < nonceSize+secretbox.Overhead {
		return "", ErrSealedValue
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrSealedValue
	}
	return string(plain), nil
}
