// Package auth implements the IssuedIdentityToken validator (SPEC_FULL.md
// §3 EXPANSION): a signed JWT accepted in place of a certificate for
// service accounts. Grounded on go-server/internal/auth/jwt.go's
// JWTManager, generalized from HTTP request authentication to OPC UA
// ActivateSession token validation.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/session"
	"github.com/adred-codev/opcua-server/internal/ua"
)

// Claims is the JWT payload expected in an IssuedIdentityToken. Subject
// becomes the Session's Identity.Subject on success.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// JWTManager validates HS256-signed IssuedIdentityTokens.
type JWTManager struct {
	secretKey []byte
	issuer    string
}

// NewJWTManager creates a manager that only accepts tokens signed with
// secretKey and carrying the given issuer.
func NewJWTManager(secretKey, issuer string) *JWTManager {
	return &JWTManager{secretKey: []byte(secretKey), issuer: issuer}
}

// Verify parses and validates a token string, returning the resolved
// Claims on success.
func (m *JWTManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "auth: invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token claims")
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, errors.Errorf("auth: unexpected issuer %q", claims.Issuer)
	}
	return claims, nil
}

// Generate mints a token for the given subject, used by tests and by any
// operator tooling that issues service-account tokens for this server.
func (m *JWTManager) Generate(subject string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    m.issuer,
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Validator adapts JWTManager to session.IdentityValidator, the shape the
// Session Manager (component D) registers per UserTokenType.
func (m *JWTManager) Validator() session.IdentityValidator {
	return func(tokenBody []byte, _ []byte) (session.Identity, error) {
		claims, err := m.Verify(string(tokenBody))
		if err != nil {
			return session.Identity{}, err
		}
		return session.Identity{TokenType: ua.UserTokenIssuedToken, Subject: claims.Subject}, nil
	}
}
