package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MediaStore keeps media bytes in memory, for dry runs.
type MediaStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMediaStore creates an empty MediaStore.
func NewMediaStore() *MediaStore {
	return &MediaStore{data: make(map[string][]byte)}
}

// Put reads r fully and stores it under relPath.
func (s *MediaStore) Put(_ context.Context, relPath string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[relPath] = data
	return relPath, nil
}

// Get returns the bytes stored under relPath.
func (s *MediaStore) Get(relPath string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[relPath]
	return b, ok
}
