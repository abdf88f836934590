package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/time/rate"

	"github.com/ppiankov/kafkarelay/internal/kafka"
	"github.com/ppiankov/kafkarelay/internal/metrics"
)

// Session states
const (
	StateConnecting  = "connecting"
	StateSubscribing = "subscribing"
	StateStreaming   = "streaming"
	StateClosing     = "closing"
	StateClosed      = "closed"
	StateErrored     = "errored"
)

// Session events
const (
	eventAuthorized = "authorized"
	eventSubscribed = "subscribed"
	eventClose      = "close"
	eventReleased   = "released"
	eventFail       = "fail"
)

// StopReason says why a session was asked to close.
type StopReason string

const (
	ReasonViewerClosed StopReason = "viewer closed"
	ReasonBroken       StopReason = "connection broken"
	ReasonReplaced     StopReason = "replaced by a newer subscription"
	ReasonShutdown     StopReason = "server shutting down"
)

// Session is one viewer connection streaming one topic through a consumer it
// owns exclusively.
type Session struct {
	id      string
	topic   string
	groupID string
	conn    Conn
	limiter *rate.Limiter
	machine *fsm.FSM

	cancel   context.CancelFunc
	stopping atomic.Bool
	reason   atomic.Value // StopReason

	consumer    kafka.Consumer
	releaseOnce sync.Once
	done        chan struct{}

	// prev is the session this one replaced. Only the Serve goroutine
	// touches it.
	prev *Session
}

func newSession(topic string, conn Conn, limiter *rate.Limiter, cancel context.CancelFunc) *Session {
	s := &Session{
		topic:   topic,
		conn:    conn,
		limiter: limiter,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.machine = fsm.NewFSM(
		StateConnecting,
		fsm.Events{
			{Name: eventAuthorized, Src: []string{StateConnecting}, Dst: StateSubscribing},
			{Name: eventSubscribed, Src: []string{StateSubscribing}, Dst: StateStreaming},
			{Name: eventClose, Src: []string{StateConnecting, StateSubscribing, StateStreaming}, Dst: StateClosing},
			{Name: eventReleased, Src: []string{StateClosing}, Dst: StateClosed},
			{Name: eventFail, Src: []string{StateConnecting, StateSubscribing, StateStreaming, StateClosing}, Dst: StateErrored},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				slog.Debug("Stream session state changed",
					"session", s.id, "topic", s.topic, "from", e.Src, "to", e.Dst)
			},
			"enter_" + StateStreaming: func(context.Context, *fsm.Event) {
				metrics.StreamSessionsActive.Inc()
			},
			"leave_" + StateStreaming: func(context.Context, *fsm.Event) {
				metrics.StreamSessionsActive.Dec()
			},
		},
	)
	return s
}

// ID returns the viewer session id, empty until the viewer is authorized.
func (s *Session) ID() string { return s.id }

func (s *Session) Topic() string { return s.topic }

// GroupID returns the consumer group created for this session.
func (s *Session) GroupID() string { return s.groupID }

// State returns the current lifecycle state.
func (s *Session) State() string {
	return s.machine.Current()
}

// Done is closed once the session reached a terminal state and released
// its consumer.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop asks the session to close. It is safe to call from any goroutine and
// any number of times; only the first reason is kept.
func (s *Session) Stop(reason StopReason) {
	if s.stopping.CompareAndSwap(false, true) {
		s.reason.Store(reason)
		_ = s.machine.Event(context.Background(), eventClose)
	}
	s.cancel()
}

// Close stops the session and waits until it is released or ctx ends.
func (s *Session) Close(ctx context.Context, reason StopReason) error {
	s.Stop(reason)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitPredecessor blocks until the replaced session is done or wait
// elapses. Each session waits on its own predecessor before closing done,
// so a chain of quick replacements releases consumers strictly in order.
func (s *Session) awaitPredecessor(wait time.Duration) {
	prev := s.prev
	if prev == nil {
		return
	}
	s.prev = nil

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-prev.done:
	case <-timer.C:
		slog.Warn("Replaced stream is still releasing its consumer",
			"session", s.id, "topic", prev.topic, "waited", wait)
	}
}

func (s *Session) stopReason() StopReason {
	if r, ok := s.reason.Load().(StopReason); ok {
		return r
	}
	return ReasonViewerClosed
}

func (s *Session) transition(event string) bool {
	return s.machine.Event(context.Background(), event) == nil
}

// release closes the consumer exactly once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		if s.consumer == nil {
			return
		}
		s.consumer.Close()
		metrics.ConsumersReleased.Inc()
		slog.Debug("Stream consumer released", "session", s.id, "topic", s.topic, "group", s.groupID)
	})
}

// deliver forwards one record to the viewer. Failures other than a gone
// viewer are logged and the record is skipped.
func (s *Session) deliver(ctx context.Context, rec kafka.Record) {
	if s.stopping.Load() {
		metrics.StreamRecordsDropped.WithLabelValues("closing").Inc()
		return
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			metrics.StreamRecordsDropped.WithLabelValues("closing").Inc()
			return
		}
	}

	payload, err := encode(NewRecord(rec))
	if err != nil {
		slog.Warn("Encoding record failed", "session", s.id, "topic", s.topic, "offset", rec.Offset, "error", err)
		metrics.StreamRecordsDropped.WithLabelValues("encode").Inc()
		return
	}

	if err := s.conn.WriteMessage(ctx, payload); err != nil {
		if isConnClosed(err) {
			metrics.StreamRecordsDropped.WithLabelValues("closed").Inc()
			s.Stop(ReasonBroken)
			return
		}
		slog.Warn("Writing record failed", "session", s.id, "topic", s.topic, "offset", rec.Offset, "error", err)
		metrics.StreamRecordsDropped.WithLabelValues("write").Inc()
		return
	}

	metrics.StreamRecordsForwarded.WithLabelValues(s.topic).Inc()
	metrics.StreamBytesForwarded.WithLabelValues(s.topic).Add(float64(len(payload)))
}
