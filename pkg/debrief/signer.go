package debrief

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Signer produces and checks detached signatures over report bundles.
type Signer interface {
	Algorithm() string
	Sign(data []byte) ([]byte, error)
	Verify(data, sig []byte) bool
}

// HMACSigner signs with HMAC-SHA256 over a shared key.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates an HMAC-SHA256 signer.
func NewHMACSigner(key []byte) (*HMACSigner, error) {
	if len(key) == 0 {
		return nil, errors.New("empty HMAC signing key")
	}
	return &HMACSigner{key: append([]byte(nil), key...)}, nil
}

func (s *HMACSigner) Algorithm() string { return "HMAC-SHA256" }

func (s *HMACSigner) Sign(data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

func (s *HMACSigner) Verify(data, sig []byte) bool {
	want, _ := s.Sign(data)
	return hmac.Equal(want, sig)
}

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer creates an Ed25519 signer from a private key or a
// 32-byte seed.
func NewEd25519Signer(key []byte) (*Ed25519Signer, error) {
	switch len(key) {
	case ed25519.SeedSize:
		return &Ed25519Signer{priv: ed25519.NewKeyFromSeed(key)}, nil
	case ed25519.PrivateKeySize:
		return &Ed25519Signer{priv: ed25519.PrivateKey(append([]byte(nil), key...))}, nil
	default:
		return nil, fmt.Errorf("ed25519 key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(key))
	}
}

func (s *Ed25519Signer) Algorithm() string { return "Ed25519" }

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

func (s *Ed25519Signer) Verify(data, sig []byte) bool {
	return ed25519.Verify(s.priv.Public().(ed25519.PublicKey), data, sig)
}

// NewSigner selects the signer for the configured algorithm.
func NewSigner(algorithm string, key []byte) (Signer, error) {
	switch algorithm {
	case "", "hmac", "hmac-sha256":
		return NewHMACSigner(key)
	case "ed25519":
		return NewEd25519Signer(key)
	default:
		return nil, fmt.Errorf("unknown signing algorithm %q", algorithm)
	}
}
