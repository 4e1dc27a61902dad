package runtime

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuerRequiresLongSecret(t *testing.T) {
	_, err := NewTokenIssuer([]byte("short"), time.Minute)
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, time.Minute)
	require.NoError(t, err)

	token, err := issuer.Issue("sess_1", "m1")
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "sess_1", claims.SessionID)
	assert.Equal(t, "m1", claims.ModuleID)
	assert.Equal(t, "sess_1", claims.Subject)
	assert.Equal(t, tokenIssuer, claims.Issuer)
}

func TestTokenRejections(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, time.Minute)
	require.NoError(t, err)
	other, err := NewTokenIssuer([]byte("another-secret-that-is-long-enough!"), time.Minute)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		token, err := issuer.Issue("sess_1", "m1")
		require.NoError(t, err)
		issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { issuer.now = time.Now }()
		_, err = issuer.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := other.Issue("sess_1", "m1")
		require.NoError(t, err)
		_, err = issuer.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		claims := ChannelClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "sess_1",
				Issuer:    tokenIssuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
			SessionID: "sess_1",
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
		require.NoError(t, err)
		_, err = issuer.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("subject mismatch", func(t *testing.T) {
		claims := ChannelClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "sess_2",
				Issuer:    tokenIssuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
			SessionID: "sess_1",
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)
		_, err = issuer.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no expiry", func(t *testing.T) {
		claims := ChannelClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "sess_1", Issuer: tokenIssuer},
			SessionID:        "sess_1",
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)
		_, err = issuer.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
