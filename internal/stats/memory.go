package stats

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// MemoryStore keeps stats in a map. It is used for tests and development.
type MemoryStore struct {
	mu          sync.RWMutex
	players     map[string]Stats
	unavailable atomic.Bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{players: make(map[string]Stats)}
}

type seedFile struct {
	Players []Stats `yaml:"players"`
}

// LoadMemoryStore seeds a store from a YAML file with a top-level players list.
func LoadMemoryStore(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stats: read seed %q: %w", path, err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("stats: parse seed %q: %w", path, err)
	}
	s := NewMemoryStore()
	for i, p := range seed.Players {
		if p.Login == "" {
			return nil, fmt.Errorf("stats: seed %q: player %d has no login", path, i)
		}
		if p.ID == 0 {
			p.ID = int64(i + 1)
		}
		s.Put(p)
	}
	return s, nil
}

// Put stores or replaces the stats for st.Login.
func (s *MemoryStore) Put(st Stats) {
	s.mu.Lock()
	s.players[st.Login] = st
	s.mu.Unlock()
}

// SetAvailable toggles simulated reachability. While unavailable, Lookup fails
// with ErrUnavailable.
func (s *MemoryStore) SetAvailable(available bool) {
	s.unavailable.Store(!available)
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(ctx context.Context, login string, _ []Feature) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	if s.unavailable.Load() {
		return Stats{}, fmt.Errorf("%w: memory store offline", ErrUnavailable)
	}
	s.mu.RLock()
	st, ok := s.players[login]
	s.mu.RUnlock()
	if !ok {
		return Stats{}, ErrNotFound
	}
	return st, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
