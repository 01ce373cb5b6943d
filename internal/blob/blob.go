// Package blob stores encrypted image attachments. Message envelopes only
// carry an object key plus the content key the bytes are sealed under;
// the ciphertext itself lives here.
package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/google/uuid"
)

// Store is the attachment-byte store contract.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// RandomObjectKey returns a date-bucketed random storage key, e.g.
// "users/2024/5/1/<uuid>".
func RandomObjectKey() string {
	d := time.Now()
	return fmt.Sprintf("users/%d/%d/%d/%v", d.Year(), int(d.Month()), d.Day(), uuid.New())
}

// MemoryStore is an in-memory Store for tests and the demo CLI.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}
