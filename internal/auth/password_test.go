package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, VerifyPassword("correct horse battery staple", hash))
	require.False(t, VerifyPassword("wrong password", hash))
}

func TestHashPasswordProducesUniqueSalts(t *testing.T) {
	a, err := HashPassword("same-password")
	require.NoError(t, err)
	b, err := HashPassword("same-password")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	require.False(t, VerifyPassword("anything", "not-a-valid-hash"))
	require.False(t, VerifyPassword("anything", "$argon2id$v=19$m=65536,t=3,p=2$badsalt$badhash"))
}

func TestValidateHashFormat(t *testing.T) {
	hash, err := HashPassword("p")
	require.NoError(t, err)
	require.NoError(t, ValidateHashFormat(hash))
	require.Error(t, ValidateHashFormat("garbage"))
}

func TestGenerateSecretIsRandomAndUsable(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotEmpty(t, a)
}
