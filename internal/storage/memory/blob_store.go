// Package memory holds in-process stores for development and tests: report
// blobs and verification run records.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// ErrObjectNotFound is returned by GetObject for unknown paths.
var ErrObjectNotFound = errors.New("object not found")

type object struct {
	contentType string
	data        []byte
}

// BlobStore keeps report artifacts in memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject copies data under path.
func (s *BlobStore) PutObject(_ context.Context, path, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{contentType: contentType, data: raw}
	return "memory://" + path, nil
}

// GetObject returns a copy of the stored bytes and content type.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, "", fmt.Errorf("get %s: %w", path, ErrObjectNotFound)
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

// Paths lists stored paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
