package message

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps transcripts in memory. Used in tests and when the
// server runs without a database.
type MemoryStore struct {
	messages map[string][]*Message
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory transcript store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]*Message),
	}
}

func (s *MemoryStore) Append(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}

	existing := s.messages[msg.ProjectID]
	if n := len(existing); n > 0 && existing[n-1].Seq >= msg.Seq {
		return fmt.Errorf("message seq %d not after last seq %d for project %s", msg.Seq, existing[n-1].Seq, msg.ProjectID)
	}
	s.messages[msg.ProjectID] = append(existing, msg)
	return nil
}

func (s *MemoryStore) ListAfter(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Message
	for _, msg := range s.messages[projectID] {
		if msg.Seq <= afterSeq {
			continue
		}
		result = append(result, msg)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTail(ctx context.Context, projectID string, n int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		return nil, nil
	}
	all := s.messages[projectID]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	result := make([]*Message, len(all))
	copy(result, all)
	return result, nil
}

func (s *MemoryStore) ListByRequest(ctx context.Context, projectID, requestID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Message
	for _, msg := range s.messages[projectID] {
		if msg.RequestID == requestID {
			result = append(result, msg)
		}
	}
	return result, nil
}

func (s *MemoryStore) MaxSeq(ctx context.Context, projectID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[projectID]
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].Seq, nil
}
