// ABOUTME: Tests for JWT verification and generation
// ABOUTME: Covers round trips, wrong secrets, expiry, and missing claims

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)

	ownerID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", ownerID)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	other := NewJWTVerifier([]byte("other-secret"))

	token, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("alice", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_MissingSubClaim(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret)

	claims := jwt.MapClaims{"iat": time.Now().Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_RejectsUnexpectedAlgorithm(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	// alg=none tokens must never verify.
	claims := jwt.MapClaims{"sub": "alice"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.Error(t, err)
}

func TestJWTVerifier_Garbage(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	_, err := v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
