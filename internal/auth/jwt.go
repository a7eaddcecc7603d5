// Package auth verifies the bearer tokens issued by the identity service. Accounts live
// there; this service only reads the caller's id and verification flag from the token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// TokenType separates access tokens from the other kinds the identity service signs.
type TokenType string

const AccessToken TokenType = "access"

// clockSkew tolerates small drift between the identity service and this host.
const clockSkew = 30 * time.Second

// Claims carries the caller identity. Verified is set once the account passed verification.
type Claims struct {
	UserID    uuid.UUID `json:"user_id"`
	Verified  bool      `json:"verified"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// JWTManager signs and checks HS256 access tokens for one issuer.
type JWTManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

func NewJWTManager(secret, issuer string, ttl time.Duration) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockSkew),
		),
		now: time.Now,
	}
}

// GenerateAccessToken mints a token the way the identity service does. Only the token
// command and tests use it.
func (m *JWTManager) GenerateAccessToken(userID uuid.UUID, verified bool) (string, error) {
	issued := m.now()
	claims := Claims{
		UserID:    userID,
		Verified:  verified,
		TokenType: AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses raw and returns its claims when it is a live access token for
// this issuer.
func (m *JWTManager) ValidateAccessToken(raw string) (*Claims, error) {
	var claims Claims
	_, err := m.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	}
	if claims.TokenType != AccessToken || claims.UserID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
