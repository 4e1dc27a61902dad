package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

const tokenIssuer = "module-runtime"

var ErrInvalidToken = errors.New("invalid channel token")

// ChannelClaims identify the session a remote context may attach to
type ChannelClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	ModuleID  string `json:"mid"`
}

// TokenIssuer signs and verifies channel tokens with HS256
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer requires a secret of at least 32 bytes
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("channel token secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a short-lived token for one session
func (t *TokenIssuer) Issue(sessionID id.SessionID, moduleID string) (string, error) {
	now := t.now().UTC()
	claims := ChannelClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.NewRequestID().String(),
			Subject:   sessionID.String(),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		SessionID: sessionID.String(),
		ModuleID:  moduleID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign channel token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims
func (t *TokenIssuer) Verify(token string) (*ChannelClaims, error) {
	claims := &ChannelClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.SessionID == "" || claims.Subject != claims.SessionID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
