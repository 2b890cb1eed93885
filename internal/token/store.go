// Package token implements the single-use wake-token store that gates the
// heavyweight transcription path.
package token

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultTTL = 30 * time.Second

// Store is a mutex-guarded mapping from opaque token to issuance time.
// A token is valid for one consumption within the TTL window; expired
// entries are purged opportunistically on every issue.
type Store struct {
	mu     sync.Mutex
	ttl    time.Duration
	issued map[string]time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:    ttl,
		issued: make(map[string]time.Time),
	}
}

// Issue creates a fresh token and returns its identifier. Already-expired
// entries are removed first so the map stays bounded without a sweeper.
func (s *Store) Issue() string {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for tok, at := range s.issued {
		if now.Sub(at) > s.ttl {
			delete(s.issued, tok)
		}
	}

	id := uuid.NewString()
	s.issued[id] = now
	return id
}

// Consume atomically removes the token and reports whether it was present
// and still within its TTL. A found-but-expired token is removed and treated
// as absent, so a token can never succeed twice or after expiry.
func (s *Store) Consume(tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.issued[tok]
	if !ok {
		return false
	}
	delete(s.issued, tok)
	return time.Since(at) <= s.ttl
}

// Active reports the number of unexpired tokens, for observability.
func (s *Store) Active() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, at := range s.issued {
		if now.Sub(at) <= s.ttl {
			count++
		}
	}
	return count
}

// TTL returns the configured validity window.
func (s *Store) TTL() time.Duration { return s.ttl }
