package scoring

import (
	"context"
	"sync"
)

const defaultMemoryCapacity = 10000

// MemoryStore is an in-memory implementation of Store for demo/test use.
// It keeps the most recent results up to a fixed capacity.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	recent   []*PredictionResult            // oldest first
	byTx     map[string][]*PredictionResult // transactionID → results, oldest first
}

// NewMemoryStore creates an in-memory prediction store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCapacity(defaultMemoryCapacity)
}

// NewMemoryStoreWithCapacity creates a store that evicts the oldest result
// beyond capacity.
func NewMemoryStoreWithCapacity(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		byTx:     make(map[string][]*PredictionResult),
	}
}

func (s *MemoryStore) Record(ctx context.Context, result *PredictionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := result.Clone()
	s.recent = append(s.recent, r)
	s.byTx[r.TransactionID] = append(s.byTx[r.TransactionID], r)

	for len(s.recent) > s.capacity {
		evicted := s.recent[0]
		s.recent = s.recent[1:]
		list := s.byTx[evicted.TransactionID]
		if len(list) <= 1 {
			delete(s.byTx, evicted.TransactionID)
		} else {
			s.byTx[evicted.TransactionID] = list[1:]
		}
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, transactionID string) (*PredictionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byTx[transactionID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[len(list)-1].Clone(), nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*PredictionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return most recent first, up to limit
	start := len(s.recent) - limit
	if start < 0 || limit <= 0 {
		start = 0
	}
	result := make([]*PredictionResult, 0, len(s.recent)-start)
	for i := len(s.recent) - 1; i >= start; i-- {
		result = append(result, s.recent[i].Clone())
	}
	return result, nil
}

// Len returns the number of stored results.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recent)
}
