// Package token issues and verifies the signed session tokens that carry
// broker connection parameters between requests.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ppiankov/kafkarelay/internal/kafka"
)

const (
	Issuer     = "kafkarelay"
	DefaultTTL = time.Hour
)

var (
	// ErrInvalidToken is matched by every verification failure.
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrMalformed    = fmt.Errorf("%w: malformed", ErrInvalidToken)
	ErrSignature    = fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
)

// Claims is the token payload. The password is never part of it.
type Claims struct {
	Addresses     []string            `json:"addr"`
	AuthMechanism kafka.AuthMechanism `json:"mech"`
	Username      string              `json:"usr,omitempty"`
	TLSEnabled    bool                `json:"tls,omitempty"`
	jwt.RegisteredClaims
}

// SessionID returns the id that keys server-side state for this token.
func (c *Claims) SessionID() string {
	return c.ID
}

// Config rebuilds the connection parameters carried by the token.
func (c *Claims) Config() kafka.ConnectionConfig {
	return kafka.ConnectionConfig{
		Addresses:     append([]string(nil), c.Addresses...),
		AuthMechanism: c.AuthMechanism,
		Username:      c.Username,
		TLSEnabled:    c.TLSEnabled,
	}
}

// Codec signs and verifies tokens with an HMAC secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option customizes a Codec.
type Option func(*Codec)

// WithTTL sets how long issued tokens stay valid.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a codec. The secret must not be empty.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret must not be empty")
	}

	c := &Codec{
		secret: append([]byte(nil), secret...),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the lifetime of issued tokens.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue signs the non-secret part of cfg together with sessionID.
func (c *Codec) Issue(cfg kafka.ConnectionConfig, sessionID string) (string, error) {
	now := c.now().Truncate(time.Second)
	cfg = cfg.WithoutPassword()
	claims := &Claims{
		Addresses:     cfg.Addresses,
		AuthMechanism: cfg.AuthMechanism,
		Username:      cfg.Username,
		TLSEnabled:    cfg.TLSEnabled,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry of raw.
func (c *Codec) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMalformed
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrSignature
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if len(claims.Addresses) == 0 || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidToken)
	}
	return claims, nil
}
