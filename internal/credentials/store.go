// Package credentials keeps broker passwords on the relay, keyed by session id,
// so that bearer tokens never have to carry them.
package credentials

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCapacity bounds the number of live sessions remembered at once.
const DefaultCapacity = 4096

// Store maps a session id to the secret needed to reconnect for it.
type Store interface {
	Put(sessionID, secret string)
	Get(sessionID string) (string, bool)
	Delete(sessionID string)
}

// MemoryStore is a process-local Store whose entries expire after a fixed TTL.
// Entries are lost on restart; affected sessions must validate again.
type MemoryStore struct {
	entries *expirable.LRU[string, string]
}

// NewMemoryStore creates a store holding at most capacity entries for ttl each.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		entries: expirable.NewLRU[string, string](capacity, nil, ttl),
	}
}

func (s *MemoryStore) Put(sessionID, secret string) {
	s.entries.Add(sessionID, secret)
}

func (s *MemoryStore) Get(sessionID string) (string, bool) {
	return s.entries.Get(sessionID)
}

func (s *MemoryStore) Delete(sessionID string) {
	s.entries.Remove(sessionID)
}

// Len returns the number of stored, unexpired entries.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}
