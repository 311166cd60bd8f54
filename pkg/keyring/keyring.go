// Package keyring manages the governance signing key and the derivation
// of pseudonymous session identifiers.
//
// Every decision record is signed so downstream consumers can verify that
// a verdict really came from this engine under a specific policy bundle.
// Session identifiers sent to telemetry are HKDF-derived pseudonyms; the
// raw caller identity never leaves the process.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider abstracts the signing backend so the in-memory key can be
// swapped for an HSM or KMS without touching callers.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds an ephemeral Ed25519 keypair.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// NewMemoryKeyProviderFromSeed derives a deterministic keypair, used in
// tests and for reproducible deployments.
func NewMemoryKeyProviderFromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keyring: seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey { return m.pub }

// PrivateKey exposes the raw key for the token issuer. Memory provider only.
func (m *MemoryKeyProvider) PrivateKey() ed25519.PrivateKey { return m.priv }

// Keyring signs decision records and derives pseudonyms.
type Keyring struct {
	provider KeyProvider
	pseudo   []byte // HKDF salt-derived pseudonymization key
}

// New builds a keyring over the given provider.
func New(p KeyProvider) (*Keyring, error) {
	if p == nil {
		return nil, fmt.Errorf("keyring: nil provider")
	}
	kr := &Keyring{provider: p}

	// The pseudonymization key is derived, not the signing key itself, so
	// telemetry pseudonyms cannot be linked back to signatures.
	r := hkdf.New(sha256.New, p.PublicKey(), []byte("arbiter-pseudonym-kdf"), nil)
	kr.pseudo = make([]byte, 32)
	if _, err := io.ReadFull(r, kr.pseudo); err != nil {
		return nil, fmt.Errorf("keyring: derive pseudonym key: %w", err)
	}
	return kr, nil
}

// Sign serializes v as JSON and signs it.
func (k *Keyring) Sign(v any) ([]byte, error) {
	msg, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("keyring: marshal: %w", err)
	}
	return k.provider.Sign(msg)
}

// Verify checks a signature produced by Sign.
func (k *Keyring) Verify(v any, sig []byte) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return ed25519.Verify(k.provider.PublicKey(), msg, sig)
}

// PublicKey returns the verification key.
func (k *Keyring) PublicKey() ed25519.PublicKey {
	return k.provider.PublicKey()
}

// PseudonymousSessionID derives a stable pseudonym for a caller session.
// The same caller always maps to the same pseudonym under one keyring, so
// telemetry stays joinable without carrying personal data.
func (k *Keyring) PseudonymousSessionID(callerID string) string {
	r := hkdf.New(sha256.New, k.pseudo, nil, []byte(callerID))
	out := make([]byte, 16)
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF over a fixed-size key cannot fail to produce 16 bytes.
		return ""
	}
	return hex.EncodeToString(out)
}

// Provider returns the underlying key provider.
func (k *Keyring) Provider() KeyProvider { return k.provider }
