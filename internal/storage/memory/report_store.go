package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ReportStore keeps archived reports in memory and returns memory:// URIs.
type ReportStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewReportStore creates an empty in-memory report store.
func NewReportStore() *ReportStore {
	return &ReportStore{data: make(map[string][]byte)}
}

// PutObject stores a copy of the content under path.
func (s *ReportStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	s.data[path] = body
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns the stored content for path.
func (s *ReportStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	return b, ok
}

// Paths lists stored paths in lexical order.
func (s *ReportStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for p := range s.data {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
