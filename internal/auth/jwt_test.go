package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	token, err := GenerateToken("s3cret", "u42", time.Hour)
	require.NoError(t, err)

	id, err := NewJWT("s3cret").Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u42", id)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("s3cret", "u42", time.Hour)
	require.NoError(t, err)

	_, err = NewJWT("other").Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsExpired(t *testing.T) {
	token, err := GenerateToken("s3cret", "u42", -time.Minute)
	require.NoError(t, err)

	_, err = NewJWT("s3cret").Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsMissingIdentity(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = NewJWT("s3cret").Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsUnsignedAlg(t *testing.T) {
	claims := Claims{
		UserID: "u42",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWT("s3cret").Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := NewJWT("s3cret").Verify("not.a.token")
	require.ErrorIs(t, err, ErrUnauthorized)
}
