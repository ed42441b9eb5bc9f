package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinToken(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := GenerateJoinToken(secret, "abc123", "share", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJoinToken(secret, tok)
	require.NoError(t, err)
	assert.True(t, claims.Admits("abc123", "share"))
	assert.False(t, claims.Admits("other", "share"))
	assert.False(t, claims.Admits("abc123", "hub"))
	assert.Equal(t, "share", claims.NodeType)

	_, err = ParseJoinToken([]byte("wrong"), tok)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestJoinTokenExpired(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := GenerateJoinToken(secret, "", "", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJoinToken(secret, tok)
	assert.ErrorIs(t, err, ErrInvalid)
}
