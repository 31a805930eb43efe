package exchange

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrNoKey      = errors.New("credential encryption key not configured")
	ErrInvalidKey = errors.New("encryption key must be 32 bytes, hex or base64 encoded")
	ErrCorrupt    = errors.New("sealed credential is corrupt")
)

const (
	nonceSize = 24
	keySize   = 32
)

// Sealer encrypts API credentials at rest with NaCl secretbox. Sealed values
// are base64(nonce || box).
type Sealer struct {
	key [32]byte
}

// NewSealer parses a 32 byte key given as 64 hex characters or base64.
func NewSealer(encoded string) (*Sealer, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrNoKey
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != keySize {
		raw, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(raw) != keySize {
			return nil, ErrInvalidKey
		}
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrCorrupt
	}
	var nonce [24]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrCorrupt
	}
	return string(plain), nil
}
