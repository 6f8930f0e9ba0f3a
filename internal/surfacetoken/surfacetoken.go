// Package surfacetoken issues and checks the capability tokens embedded in
// approval surface launch URLs. A token is an HS256 JWT whose subject is the
// requestId it may act on.
package surfacetoken

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "bunkergate"
	audience = "bunkergate-surface"

	// DefaultTTL bounds how long a surface may act on its request.
	DefaultTTL = 24 * time.Hour
	leeway     = 30 * time.Second
)

// ErrInvalid is returned for any token that does not authorize the request.
var ErrInvalid = errors.New("surfacetoken: invalid token")

// Issuer mints and verifies tokens with one HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// New returns an Issuer. An empty secret is replaced with a random one, so
// tokens do not outlive the process; neither do the requests they name.
func New(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("surfacetoken: generate secret: %w", err)
		}
	}
	i := &Issuer{secret: secret, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue returns a token scoped to requestID.
func (i *Issuer) Issue(requestID string) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   requestID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("surfacetoken: sign: %w", err)
	}
	return tok, nil
}

// Verify checks that tok is valid and scoped to requestID.
func (i *Issuer) Verify(tok, requestID string) error {
	if tok == "" || requestID == "" {
		return ErrInvalid
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithSubject(requestID),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(i.now),
	)
	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
