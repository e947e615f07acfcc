package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer := NewJWTSigner([]byte("secret"), "svcmesh", time.Minute)
	verifier := NewJWTVerifier([]byte("secret"), "svcmesh")

	token, err := signer.Sign("alice", []string{"admin"}, []string{"billing:charge:write"})
	require.NoError(t, err)

	p, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)
	assert.True(t, p.HasRole("admin"))
	assert.True(t, p.HasPermission("billing:charge:write"))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := NewJWTSigner([]byte("secret"), "svcmesh", time.Minute)
	verifier := NewJWTVerifier([]byte("other"), "svcmesh")

	token, err := signer.Sign("alice", nil, nil)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsIssuerMismatch(t *testing.T) {
	signer := NewJWTSigner([]byte("secret"), "svcmesh", time.Minute)
	verifier := NewJWTVerifier([]byte("secret"), "other-issuer")

	token, err := signer.Sign("alice", nil, nil)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	signer := NewJWTSigner([]byte("secret"), "svcmesh", time.Millisecond)
	verifier := NewJWTVerifier([]byte("secret"), "svcmesh")

	token, err := signer.Sign("alice", nil, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = verifier.Verify(token)
	assert.Error(t, err)
}
