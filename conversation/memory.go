package conversation

import (
	"context"
	"sync"
)

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	convs  map[string][]Record
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string][]Record),
	}
}

// Append adds records to a conversation.
func (s *MemoryStore) Append(ctx context.Context, conversationID string, records ...Record) error {
	prepared, err := prepare(conversationID, records)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.convs[conversationID], _ = merge(s.convs[conversationID], prepared)
	return nil
}

// List returns a copy of a conversation's records.
func (s *MemoryStore) List(ctx context.Context, conversationID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	records := s.convs[conversationID]
	out := make([]Record, len(records))
	copy(out, records)
	return out, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
