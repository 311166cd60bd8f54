// Package attest issues signed decision tokens: compact proofs binding a
// decision id, its verdict and the trace hash to the policy bundle that
// produced them. Downstream executors verify the token instead of trusting
// a bare verdict string.
package attest

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Veridian-Labs/arbiter/pkg/keyring"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

const issuer = "arbiter/engine"

// Claims bind the decision outcome to the policy bundle.
type Claims struct {
	jwt.RegisteredClaims
	Verdict    verdict.Verdict `json:"verdict"`
	BundleHash string          `json:"bundle_hash"`
	TraceHash  string          `json:"trace_hash"`
}

// Issuer signs decision tokens with the governance key.
type Issuer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	ttl   time.Duration
	clock func() time.Time
}

// NewIssuer builds an issuer over the keyring's memory provider.
func NewIssuer(kr *keyring.Keyring, ttl time.Duration) (*Issuer, error) {
	mem, ok := kr.Provider().(*keyring.MemoryKeyProvider)
	if !ok {
		return nil, fmt.Errorf("attest: token issuance requires a memory key provider")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{priv: mem.PrivateKey(), pub: mem.PublicKey(), ttl: ttl, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Issue signs a token for one decision.
func (i *Issuer) Issue(decisionID string, v verdict.Verdict, bundleHash, traceHash string) (string, error) {
	now := i.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        decisionID,
			Subject:   decisionID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Verdict:    v,
		BundleHash: bundleHash,
		TraceHash:  traceHash,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.priv)
	if err != nil {
		return "", fmt.Errorf("attest: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a decision token.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("attest: unexpected signing method %v", t.Header["alg"])
		}
		return i.pub, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(func() time.Time { return i.clock() }))
	if err != nil {
		return nil, fmt.Errorf("attest: verify: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("attest: invalid token")
	}
	if !claims.Verdict.Valid() {
		return nil, fmt.Errorf("attest: token carries unknown verdict %q", claims.Verdict)
	}
	return claims, nil
}
