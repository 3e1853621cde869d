package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
)

// RotationStore remembers, for a short grace window, which session replaced a
// refresh token. Keys are refresh-token fingerprints, never raw tokens.
type RotationStore interface {
	Lookup(ctx context.Context, key string) (domain.Session, bool, error)
	Remember(ctx context.Context, key string, s domain.Session, ttl time.Duration) error
	Backend() string
}

type NoopRotationStore struct{}

func NewNoopRotationStore() *NoopRotationStore {
	return &NoopRotationStore{}
}

func (s *NoopRotationStore) Lookup(context.Context, string) (domain.Session, bool, error) {
	return domain.Session{}, false, nil
}

func (s *NoopRotationStore) Remember(context.Context, string, domain.Session, time.Duration) error {
	return nil
}

func (s *NoopRotationStore) Backend() string { return "none" }

type rotationEntry struct {
	session   domain.Session
	expiresAt time.Time
}

type InMemoryRotationStore struct {
	mu    sync.RWMutex
	store map[string]rotationEntry
	now   func() time.Time
}

func NewInMemoryRotationStore() *InMemoryRotationStore {
	return &InMemoryRotationStore{
		store: make(map[string]rotationEntry),
		now:   time.Now,
	}
}

func (s *InMemoryRotationStore) Lookup(_ context.Context, key string) (domain.Session, bool, error) {
	now := s.now().UTC()
	s.mu.RLock()
	entry, ok := s.store[key]
	s.mu.RUnlock()
	if !ok {
		return domain.Session{}, false, nil
	}
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		if current, ok := s.store[key]; ok && !now.Before(current.expiresAt) {
			delete(s.store, key)
		}
		s.mu.Unlock()
		return domain.Session{}, false, nil
	}
	return entry.session, true, nil
}

func (s *InMemoryRotationStore) Remember(_ context.Context, key string, session domain.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.store {
		if now.After(e.expiresAt) {
			delete(s.store, k)
		}
	}
	s.store[key] = rotationEntry{session: session, expiresAt: now.Add(ttl)}
	return nil
}

func (s *InMemoryRotationStore) Backend() string { return "memory" }
