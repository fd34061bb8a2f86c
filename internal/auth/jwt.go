package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleWidget = "widget"

// JWTClaims represents the claims in a widget token
type JWTClaims struct {
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and validates widget tokens with a shared HMAC secret
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates a token issuer. A non-positive ttl means 24 hours.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}, nil
}

// GenerateWidgetToken generates a token allowing the widget of a project to
// open voice sessions
func (i *Issuer) GenerateWidgetToken(projectID string) (string, time.Time, error) {
	if projectID == "" {
		return "", time.Time{}, errors.New("project ID is required")
	}
	now := time.Now()
	expiresAt := now.Add(i.ttl)
	claims := &JWTClaims{
		ProjectID: projectID,
		Role:      RoleWidget,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   projectID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (i *Issuer) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Role != RoleWidget || claims.ProjectID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
