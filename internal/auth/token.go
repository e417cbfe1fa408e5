// Package auth issues and verifies participant bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Consult/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSecret     = errors.New("auth secret is empty")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims identify one participant; the subject is the participant id.
type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string, ttl time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs an HS256 token for p. A zero ttl issues a token without expiry.
func (a *Authenticator) Issue(p domain.Participant) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  string(p.ID),
			Issuer:   a.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role:      string(p.Role),
		FirstName: p.Profile.FirstName,
		LastName:  p.Profile.LastName,
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse verifies raw and returns the participant it was issued to.
func (a *Authenticator) Parse(raw string) (*domain.Participant, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	p, err := domain.NewParticipant(claims.Subject, role, domain.Profile{
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return p, nil
}
