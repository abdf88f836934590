package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ppiankov/kafkarelay/internal/kafka"
)

// Registry tracks the live session of every viewer. A viewer owns at most
// one session; attaching a new one closes the previous one first.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	// releaseWait bounds how long an ended session waits for the session it
	// replaced to release its consumer.
	releaseWait time.Duration
}

var errRegistryClosed = errors.New("stream registry closed")

func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		releaseWait: 2 * kafka.DefaultLeaveTimeout,
	}
}

// attach registers s under its viewer id and waits until the session it
// replaces, if any, has released its consumer. If ctx ends first, s still
// remembers the predecessor and Serve waits for it before s is done.
func (r *Registry) attach(ctx context.Context, s *Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errRegistryClosed
	}
	prev := r.sessions[s.id]
	r.sessions[s.id] = s
	r.mu.Unlock()

	if prev == nil {
		return nil
	}
	s.prev = prev
	return prev.Close(ctx, ReasonReplaced)
}

// detach removes s unless a newer session already took its place.
func (r *Registry) detach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
}

// Get returns the live session of a viewer.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll stops every live session and waits for them to finish. Sessions
// attached afterwards are refused.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		s.Stop(ReasonShutdown)
	}
	for _, s := range sessions {
		if err := s.Close(ctx, ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
