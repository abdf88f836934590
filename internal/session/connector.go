package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ppiankov/kafkarelay/internal/credentials"
	"github.com/ppiankov/kafkarelay/internal/kafka"
	"github.com/ppiankov/kafkarelay/internal/metrics"
	"github.com/ppiankov/kafkarelay/internal/token"
)

// Connector checks that a cluster is reachable with the supplied parameters
// and issues a session token for it.
type Connector struct {
	client kafka.Client
	codec  *token.Codec
	store  credentials.Store
	newID  func() string
}

// NewConnector creates a connector.
func NewConnector(client kafka.Client, codec *token.Codec, store credentials.Store) *Connector {
	return &Connector{
		client: client,
		codec:  codec,
		store:  store,
		newID:  uuid.NewString,
	}
}

// Open validates cfg, proves the brokers answer a topic listing, and returns
// a signed token. Invalid input is returned as is; broker failures come back
// as *kafka.ConnectError.
func (c *Connector) Open(ctx context.Context, cfg kafka.ConnectionConfig) (string, error) {
	cfg, err := cfg.Normalize()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		metrics.ConnectionChecks.WithLabelValues("invalid").Inc()
		return "", err
	}

	admin, err := c.client.ConnectAdmin(ctx, cfg)
	if err != nil {
		metrics.ConnectionChecks.WithLabelValues(checkResult(err)).Inc()
		return "", err
	}
	_, err = admin.ListTopics(ctx)
	admin.Close()
	if err != nil {
		metrics.ConnectionChecks.WithLabelValues(checkResult(err)).Inc()
		return "", &kafka.ConnectError{Addresses: cfg.Addresses, Err: err}
	}

	sessionID := c.newID()
	if cfg.AuthMechanism.RequiresCredentials() {
		c.store.Put(sessionID, cfg.Password)
	}

	signed, err := c.codec.Issue(cfg, sessionID)
	if err != nil {
		c.store.Delete(sessionID)
		return "", fmt.Errorf("issue session token: %w", err)
	}

	metrics.ConnectionChecks.WithLabelValues("ok").Inc()
	metrics.TokensIssued.Inc()
	slog.Info("Session opened",
		"session", sessionID,
		"brokers", len(cfg.Addresses),
		"mechanism", cfg.AuthMechanism,
		"tls", cfg.TLSEnabled,
	)
	return signed, nil
}

func checkResult(err error) string {
	if kafka.IsAuthError(err) {
		return "auth_failed"
	}
	return "unreachable"
}
