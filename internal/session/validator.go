// Package session gates every request on a bearer token and turns a
// successful connection check into one.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/kafkarelay/internal/credentials"
	"github.com/ppiankov/kafkarelay/internal/kafka"
	"github.com/ppiankov/kafkarelay/internal/metrics"
	"github.com/ppiankov/kafkarelay/internal/token"
)

// Reason classifies an authentication failure.
type Reason string

const (
	ReasonMissing Reason = "missing"
	ReasonInvalid Reason = "invalid"
	ReasonExpired Reason = "expired"
)

// AuthError reports a request that carried no usable token.
type AuthError struct {
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case ReasonMissing:
		return "authorization token missing"
	case ReasonExpired:
		return "session expired, validate the connection again"
	default:
		if e.Err != nil {
			return fmt.Sprintf("invalid authorization token: %v", e.Err)
		}
		return "invalid authorization token"
	}
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Principal is the authenticated caller with everything needed to reach its
// cluster.
type Principal struct {
	SessionID string
	Config    kafka.ConnectionConfig
}

// Validator resolves bearer tokens into principals.
type Validator struct {
	codec *token.Codec
	store credentials.Store
}

// NewValidator creates a validator backed by codec and store.
func NewValidator(codec *token.Codec, store credentials.Store) *Validator {
	return &Validator{codec: codec, store: store}
}

// Validate accepts an Authorization header value ("Bearer <token>") or a bare
// token string.
func (v *Validator) Validate(authorization string) (*Principal, error) {
	raw, ok := bearerToken(authorization)
	if !ok {
		return nil, v.fail(ReasonMissing, nil)
	}

	claims, err := v.codec.Verify(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, v.fail(ReasonExpired, err)
		}
		return nil, v.fail(ReasonInvalid, err)
	}

	cfg := claims.Config()
	if cfg.AuthMechanism.RequiresCredentials() {
		password, ok := v.store.Get(claims.SessionID())
		if !ok {
			return nil, v.fail(ReasonExpired, nil)
		}
		cfg.Password = password
	}

	return &Principal{SessionID: claims.SessionID(), Config: cfg}, nil
}

func (v *Validator) fail(reason Reason, err error) *AuthError {
	metrics.AuthFailures.WithLabelValues(string(reason)).Inc()
	return &AuthError{Reason: reason, Err: err}
}

func bearerToken(authorization string) (string, bool) {
	value := strings.TrimSpace(authorization)
	if value == "" {
		return "", false
	}

	scheme, rest, found := strings.Cut(value, " ")
	if found && strings.EqualFold(scheme, "bearer") {
		value = strings.TrimSpace(rest)
	} else if strings.EqualFold(value, "bearer") {
		return "", false
	}

	return value, value != ""
}
