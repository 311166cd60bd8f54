package attest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/arbiter/pkg/keyring"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	prov, err := keyring.NewMemoryKeyProviderFromSeed([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	kr, err := keyring.New(prov)
	require.NoError(t, err)
	iss, err := NewIssuer(kr, time.Minute)
	require.NoError(t, err)
	return iss
}

func TestIssueAndVerify(t *testing.T) {
	iss := testIssuer(t)

	token, err := iss.Issue("dec-1", verdict.Forbid, "bundle-hash", "trace-hash")
	require.NoError(t, err)

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "dec-1", claims.ID)
	assert.Equal(t, verdict.Forbid, claims.Verdict)
	assert.Equal(t, "bundle-hash", claims.BundleHash)
	assert.Equal(t, "trace-hash", claims.TraceHash)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	iss := testIssuer(t)

	token, err := iss.Issue("dec-2", verdict.Allow, "bundle-hash", "trace-hash")
	require.NoError(t, err)

	_, err = iss.Verify(token[:len(token)-4] + "AAAA")
	assert.Error(t, err)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	iss := testIssuer(t)

	otherProv, err := keyring.NewMemoryKeyProviderFromSeed([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	other, err := keyring.New(otherProv)
	require.NoError(t, err)
	otherIss, err := NewIssuer(other, time.Minute)
	require.NoError(t, err)

	token, err := otherIss.Issue("dec-3", verdict.Escalate, "bundle-hash", "trace-hash")
	require.NoError(t, err)

	_, err = iss.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	iss := testIssuer(t)
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	iss.WithClock(func() time.Time { return issued })

	token, err := iss.Issue("dec-4", verdict.Conditional, "bundle-hash", "trace-hash")
	require.NoError(t, err)

	iss.WithClock(func() time.Time { return issued.Add(2 * time.Minute) })
	_, err = iss.Verify(token)
	assert.Error(t, err)
}
