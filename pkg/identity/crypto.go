package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Signer produces signatures with a private key it holds.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
	PublicKey() []byte
}

// Verifier checks a signature against a public key.
type Verifier interface {
	Verify(payload, signature, publicKey []byte) bool
}

// Fingerprinter derives a stable fingerprint from identity-defining fields.
type Fingerprinter interface {
	Fingerprint(fields ...string) string
}

// Capability bundles the verification primitives the engine consumes.
type Capability interface {
	Verifier
	Fingerprinter
}

// Ed25519 verifies Ed25519 signatures and fingerprints with SHA3-256.
type Ed25519 struct{}

var _ Capability = Ed25519{}

func (Ed25519) Verify(payload, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature)
}

// Fingerprint hashes the length-prefixed fields so that field boundaries
// cannot be shifted to collide.
func (Ed25519) Fingerprint(fields ...string) string {
	h := sha3.New256()
	var n [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// KeySigner signs with an in-memory Ed25519 private key.
type KeySigner struct {
	priv ed25519.PrivateKey
}

var _ Signer = (*KeySigner)(nil)

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*KeySigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &KeySigner{priv: priv}, nil
}

// NewKeySigner creates a signer from a 32-byte seed.
func NewKeySigner(seed []byte) (*KeySigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid key seed: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &KeySigner{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *KeySigner) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, payload), nil
}

func (s *KeySigner) PublicKey() []byte {
	return []byte(s.priv.Public().(ed25519.PublicKey))
}

// Seed returns the private key seed, for persisting the key.
func (s *KeySigner) Seed() []byte {
	return s.priv.Seed()
}

// DecodeKey parses a hex encoded public key.
func DecodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: expected %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return key, nil
}

// EncodeKey hex encodes a key or signature.
func EncodeKey(b []byte) string {
	return hex.EncodeToString(b)
}
