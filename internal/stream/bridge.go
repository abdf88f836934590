// Package stream bridges one live topic to one viewer connection.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ppiankov/kafkarelay/internal/kafka"
	"github.com/ppiankov/kafkarelay/internal/metrics"
	"github.com/ppiankov/kafkarelay/internal/session"
)

// GroupPrefix starts the consumer group id of every viewer.
const GroupPrefix = "kafkarelay-"

var errConsumerStopped = errors.New("consumer stopped unexpectedly")

// Authorizer resolves the token presented during the handshake.
type Authorizer interface {
	Validate(authorization string) (*session.Principal, error)
}

// Options tunes the bridge.
type Options struct {
	// RateLimit caps records per second per viewer. Zero means unlimited.
	RateLimit rate.Limit
	Burst     int
}

// Bridge runs streaming sessions.
type Bridge struct {
	client   kafka.Client
	auth     Authorizer
	registry *Registry
	opts     Options
}

// NewBridge creates a bridge. Sessions of the same viewer are tracked in
// registry.
func NewBridge(client kafka.Client, auth Authorizer, registry *Registry, opts Options) *Bridge {
	if opts.RateLimit > 0 && opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Bridge{client: client, auth: auth, registry: registry, opts: opts}
}

// NewGroupID returns a fresh, time-ordered consumer group id.
func NewGroupID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate group id: %w", err)
	}
	return GroupPrefix + id.String(), nil
}

// Serve runs a session for conn until the viewer leaves, the session is
// replaced or stopped, or ctx is cancelled. It returns nil when the session
// ends closed and an *Error when it ends errored. conn is closed on return.
func (b *Bridge) Serve(ctx context.Context, conn Conn, topic, authorization string) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSession(topic, conn, b.limiter(), cancel)
	defer func() {
		s.awaitPredecessor(b.registry.releaseWait)
		close(s.done)
	}()

	principal, err := b.auth.Validate(authorization)
	if err != nil {
		s.transition(eventFail)
		_ = conn.Close(ClosePolicyViolation, "unauthorized")
		return b.failed(s, StageAuthorize, err)
	}
	s.id = principal.SessionID
	if !s.transition(eventAuthorized) {
		return b.closed(s)
	}

	defer b.registry.detach(s)
	if err := b.registry.attach(ctx, s); err != nil {
		if errors.Is(err, errRegistryClosed) {
			s.Stop(ReasonShutdown)
		}
		return b.closed(s)
	}

	if err := b.subscribe(ctx, s, principal.Config); err != nil {
		s.release()
		if s.stopping.Load() {
			return b.closed(s)
		}
		s.transition(eventFail)
		_ = conn.Close(CloseInternalError, "subscribe failed")
		return b.failed(s, StageSubscribe, err)
	}
	if !s.transition(eventSubscribed) {
		s.release()
		return b.closed(s)
	}
	slog.Info("Stream started", "session", s.id, "topic", topic, "group", s.groupID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.consumer.Run(gctx, func(rec kafka.Record) { s.deliver(gctx, rec) })
		if err == nil && gctx.Err() == nil {
			err = errConsumerStopped
		}
		return err
	})
	g.Go(func() error {
		select {
		case <-conn.Closed():
			s.Stop(ReasonViewerClosed)
		case <-gctx.Done():
			if parent.Err() != nil {
				s.Stop(ReasonShutdown)
			}
		}
		return nil
	})
	runErr := g.Wait()

	if runErr != nil && !s.stopping.Load() {
		s.release()
		s.transition(eventFail)
		_ = conn.Close(CloseInternalError, "consumer failed")
		return b.failed(s, StageConsume, runErr)
	}
	if runErr != nil {
		slog.Warn("Consumer stopped with error during close", "session", s.id, "topic", topic, "error", runErr)
	}
	s.Stop(ReasonViewerClosed)
	s.release()
	return b.closed(s)
}

func (b *Bridge) subscribe(ctx context.Context, s *Session, cfg kafka.ConnectionConfig) error {
	groupID, err := NewGroupID()
	if err != nil {
		return err
	}
	s.groupID = groupID

	consumer, err := b.client.CreateConsumer(ctx, cfg, s.topic, groupID)
	if err != nil {
		return err
	}
	s.consumer = consumer

	return consumer.Subscribe(ctx, s.topic)
}

func (b *Bridge) limiter() *rate.Limiter {
	if b.opts.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(b.opts.RateLimit, b.opts.Burst)
}

// closed finishes a session that was asked to stop.
func (b *Bridge) closed(s *Session) error {
	s.transition(eventClose)
	s.transition(eventReleased)
	reason := s.stopReason()
	_ = s.conn.Close(CloseNormal, string(reason))

	metrics.StreamSessions.WithLabelValues(s.State()).Inc()
	slog.Info("Stream closed", "session", s.id, "topic", s.topic, "reason", reason)
	return nil
}

func (b *Bridge) failed(s *Session, stage Stage, err error) error {
	metrics.StreamSessions.WithLabelValues(s.State()).Inc()
	slog.Warn("Stream failed", "session", s.id, "topic", s.topic, "stage", stage, "error", err)
	return &Error{Topic: s.topic, Stage: stage, Err: err}
}

func encode(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func isConnClosed(err error) bool {
	return errors.Is(err, ErrConnClosed)
}
