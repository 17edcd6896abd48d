// Package transcript records the terminal outcome of every completed request.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
)

// Status of a recorded request.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one finished request.
type Entry struct {
	RequestID    string             `json:"request_id" bson:"request_id"`
	Provider     string             `json:"provider" bson:"provider"`
	Model        string             `json:"model" bson:"model"`
	MessagesType llm.MessagesType   `json:"messages_type" bson:"messages_type"`
	Messages     []*message.Message `json:"messages,omitempty" bson:"messages,omitempty"`
	Status       Status             `json:"status" bson:"status"`
	Result       *llm.Result        `json:"result,omitempty" bson:"result,omitempty"`
	Error        string             `json:"error,omitempty" bson:"error,omitempty"`
	StartedAt    time.Time          `json:"started_at" bson:"started_at"`
	Duration     time.Duration      `json:"duration" bson:"duration"`
}

// ErrNotFound is returned by Lookup for an unknown request id.
var ErrNotFound = errors.New("transcript entry not found")

// Recorder persists entries.
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
	Close() error
}

// Store is a Recorder that can read entries back.
type Store interface {
	Recorder
	Lookup(ctx context.Context, requestID string) (*Entry, error)
}

// InMemory implements Recorder using in-memory storage
type InMemory struct {
	mu      sync.RWMutex
	entries []*Entry
	limit   int
}

// NewInMemory keeps at most limit entries, dropping the oldest; limit <= 0 keeps everything.
func NewInMemory(limit int) *InMemory {
	return &InMemory{limit: limit}
}

// Record adds an entry
func (s *InMemory) Record(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.RequestID == "" {
		return fmt.Errorf("transcript entry requires a request id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if s.limit > 0 && len(s.entries) > s.limit {
		s.entries = s.entries[len(s.entries)-s.limit:]
	}
	return nil
}

// Entries returns the recorded entries, oldest first.
func (s *InMemory) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get returns the entry for id.
func (s *InMemory) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.RequestID == id {
			return e, true
		}
	}
	return nil, false
}

// Lookup implements Store.
func (s *InMemory) Lookup(_ context.Context, id string) (*Entry, error) {
	if e, ok := s.Get(id); ok {
		return e, nil
	}
	return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
}

func (s *InMemory) Close() error { return nil }
