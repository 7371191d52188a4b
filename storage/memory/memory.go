package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/storage"
)

// MemoryStorage keeps encoded poller states in a map. Used for stats pollers
// and tests, where state does not need to survive a restart.
type MemoryStorage struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{states: make(map[string][]byte)}
}

func (s *MemoryStorage) GetPollerState(ctx context.Context, pollerID string) (*telemetry.PollerState, error) {
	s.mu.RLock()
	data, ok := s.states[pollerID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, pollerID)
	}
	return storage.Decode(data)
}

func (s *MemoryStorage) SavePollerState(ctx context.Context, pollerID string, state *telemetry.PollerState) error {
	data, err := storage.Encode(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[pollerID] = data
	return nil
}

func (s *MemoryStorage) DeletePollerState(ctx context.Context, pollerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, pollerID)
	return nil
}

func (s *MemoryStorage) ListPollerIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op
func (s *MemoryStorage) Close() error {
	return nil
}
