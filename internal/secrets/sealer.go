// Package secrets seals short secrets, such as user API keys, before they are
// written to the session table.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24

	// sealedPrefix versions the stored format.
	sealedPrefix = "v1:"
)

// ErrOpen is returned when a sealed value is malformed or was sealed with another key.
var ErrOpen = errors.New("secrets: cannot open sealed value")

// Sealer encrypts and authenticates values with one symmetric key.
type Sealer struct {
	key [KeySize]byte
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", KeySize, len(key))
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// ParseKey builds a Sealer from a standard base64 encoded key.
func ParseKey(encoded string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	return NewSealer(key)
}

// Seal returns "v1:" followed by base64(nonce || box). Every call uses a fresh
// random nonce, so sealing the same value twice gives different output.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secrets: read nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrOpen
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) < nonceSize+secretbox.Overhead {
		return "", ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	out, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrOpen
	}
	return string(out), nil
}
