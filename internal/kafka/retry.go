package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// retryPolicy bounds the retries of a single broker call.
type retryPolicy struct {
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

var defaultRetry = retryPolicy{
	attempts:       4,
	initialBackoff: 500 * time.Millisecond,
	maxBackoff:     4 * time.Second,
}

// isAuthError returns true for errors that indicate SASL authentication or
// authorization failures. These are permanent; retrying will not help.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}

	var ke *kerr.Error
	if errors.As(err, &ke) {
		switch ke {
		case kerr.SaslAuthenticationFailed,
			kerr.UnsupportedSaslMechanism,
			kerr.IllegalSaslState,
			kerr.TopicAuthorizationFailed,
			kerr.ClusterAuthorizationFailed,
			kerr.GroupAuthorizationFailed:
			return true
		}
	}

	// Brokers that expect SASL or TLS commonly hang up on the first read.
	var eof *kgo.ErrFirstReadEOF
	return errors.As(err, &eof)
}

// IsAuthError reports whether err was caused by rejected credentials or a
// missing ACL.
func IsAuthError(err error) bool {
	return isAuthError(err)
}

// isRetryable returns true for transient broker errors where a retry might
// succeed: timeouts, broker restarts, temporary leader unavailability.
func isRetryable(err error) bool {
	if err == nil || isAuthError(err) {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke.Retriable
	}

	if errors.Is(err, net.ErrClosed) {
		return true
	}

	// Dial timeouts are retryable; connection-refused is not
	var ne *net.OpError
	if errors.As(err, &ne) {
		return ne.Timeout()
	}

	return false
}

// withRetry runs fn under the default policy.
func withRetry(ctx context.Context, desc string, fn func() error) error {
	return defaultRetry.do(ctx, desc, fn)
}

// do executes fn up to p.attempts times with exponential backoff.
// Auth errors fail immediately. Context cancellation stops retries.
func (p retryPolicy) do(ctx context.Context, desc string, fn func() error) error {
	attempts := max(p.attempts, 1)
	backoff := p.initialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		slog.Warn("retrying after transient error",
			"operation", desc,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", backoff,
			"error", lastErr,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %w)", desc, ctx.Err(), lastErr)
		case <-timer.C:
		}

		backoff = min(backoff*2, p.maxBackoff)
	}

	return fmt.Errorf("%s: %d attempts exhausted: %w", desc, attempts, lastErr)
}
