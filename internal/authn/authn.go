// Package authn issues and verifies the bearer tokens that gate the
// privileged HTTP operations (token deploys, distribution).
package authn

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuerName = "clubfund-api"

	// RoleAdmin may deploy tokens and rotate the distributor.
	RoleAdmin = "admin"
	// RoleDistributor may resolve activities via distribute.
	RoleDistributor = "distributor"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("token secret is not configured")
)

// Principal is the verified identity attached to a request. Address is the
// caller's on-ledger account in 0x-hex form.
type Principal struct {
	Subject string
	Role    string
	Address string
}

type claims struct {
	Role    string `json:"role"`
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// Service issues and verifies HS256 bearer tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New creates a Service. The secret must be non-empty.
func New(secret string, ttl time.Duration) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue mints a token for the subject with the given role and ledger address.
func (s *Service) Issue(subject, role, address string) (string, error) {
	now := s.now().UTC()
	c := claims{
		Role:    role,
		Address: address,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// Verify parses and validates a bearer token.
func (s *Service) Verify(tokenString string) (Principal, error) {
	var c claims
	tok, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil || !tok.Valid {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Subject: c.Subject, Role: c.Role, Address: c.Address}, nil
}

type ctxKey string

const principalKey ctxKey = "authn_principal"

// ContextWithPrincipal attaches the verified principal to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the verified principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
