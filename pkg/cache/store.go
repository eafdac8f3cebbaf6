package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/menta2k/leafscan/pkg/types"
)

// ErrNotFound is returned by a Store when no entry exists for a key
var ErrNotFound = errors.New("cache entry not found")

// Entry is a cached diagnostic report. Key is the exact fingerprint key,
// Fingerprint the bit string used for similarity search.
type Entry struct {
	Key            string                 `json:"key" msgpack:"key"`
	Fingerprint    string                 `json:"fingerprint" msgpack:"fingerprint"`
	Report         types.DiagnosticReport `json:"report" msgpack:"report"`
	CachedAt       time.Time              `json:"cached_at" msgpack:"cached_at"`
	ExpiresAt      time.Time              `json:"expires_at" msgpack:"expires_at"`
	AccessCount    uint32                 `json:"access_count" msgpack:"access_count"`
	LastAccessedAt time.Time              `json:"last_accessed_at" msgpack:"last_accessed_at"`
}

// Expired reports whether the entry expired before now
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

// Store is the persistence surface behind ResultCache. Implementations
// must be safe for concurrent use and return copies, never shared entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
	// DeleteExpired removes every entry whose ExpiresAt is before now
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// ListByLastAccess returns all entries, least recently accessed first
	ListByLastAccess(ctx context.Context) ([]*Entry, error)
	Len(ctx context.Context) (int, error)
}

// MemoryStore keeps entries in a map
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, entry *Entry) error {
	cp := *entry
	s.mu.Lock()
	s.entries[entry.Key] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListByLastAccess(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sortByLastAccess(out)
	return out, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// sortByLastAccess orders entries oldest access first, by key on ties
func sortByLastAccess(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.Key < b.Key
	})
}
