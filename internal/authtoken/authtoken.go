// Package authtoken mints and validates the short-lived HS256 tokens handed
// to task runners and API callers.
package authtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
)

// Token types
const (
	TypeRunner = "runner"
	TypeAPI    = "api"
)

// ErrNoSecret is returned when no signing secret is configured.
var ErrNoSecret = errors.New("no auth secret configured")

// Claims are the validated contents of a token
type Claims struct {
	Subject string
	OrgID   string
	JobID   int64
	Type    string
}

// Issuer signs and validates tokens with one shared secret
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an issuer. An empty secret yields an issuer whose Mint
// always fails with ErrNoSecret.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Mint returns a token of tokenType for userID scoped to orgID and jobID.
func (i *Issuer) Mint(tokenType, userID, orgID string, jobID int64) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"org":  orgID,
		"type": tokenType,
		"iat":  now.Unix(),
		"exp":  now.Add(i.ttl).Unix(),
	}
	if jobID > 0 {
		claims["job_id"] = jobID
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenString and checks it is of tokenType.
func (i *Issuer) Validate(tokenString, tokenType string) (*Claims, error) {
	if len(i.secret) == 0 {
		return nil, ErrNoSecret
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, domain.ErrUnauthorized
	}
	if t, _ := claims["type"].(string); t != tokenType {
		return nil, domain.ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, domain.ErrUnauthorized
	}

	out := &Claims{Subject: sub, Type: tokenType}
	out.OrgID, _ = claims["org"].(string)
	if jobID, ok := claims["job_id"].(float64); ok {
		out.JobID = int64(jobID)
	}
	return out, nil
}
