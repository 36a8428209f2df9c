package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store used when no database is configured.
type Memory struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// CreateMessage implements Store.
func (s *Memory) CreateMessage(_ context.Context, msg NewMessage) (Message, error) {
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := Message{
		ID:          uuid.NewString(),
		Content:     msg.Content,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		GroupID:     msg.GroupID,
		CreatedAt:   s.now().UTC(),
	}
	s.messages = append(s.messages, stored)
	return stored, nil
}

// ListMessages implements Store.
func (s *Memory) ListMessages(_ context.Context, q Query) ([]Message, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Message, 0)
	for _, m := range s.messages {
		if q.Matches(m) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}
