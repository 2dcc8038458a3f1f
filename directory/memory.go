package directory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entryKey struct {
	kind Kind
	id   string
}

// MemoryStore is a Store kept in process memory. It backs tests and runs
// without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[entryKey]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[entryKey]Entry)}
}

func (s *MemoryStore) Upsert(_ context.Context, entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e.Degraded = false
		e.Attributes = cloneAttrs(e.Attributes)
		s.entries[entryKey{e.Kind, e.ID}] = e
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryKey{kind, id}]
	if ok {
		e.Attributes = cloneAttrs(e.Attributes)
	}
	return e, ok, nil
}

func (s *MemoryStore) ListByParent(_ context.Context, kind Kind, parentID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for k, e := range s.entries {
		if k.kind == kind && e.ParentID == parentID {
			e.Attributes = cloneAttrs(e.Attributes)
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.LastRefreshedAt.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneAttrs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sortEntries orders by name then ID, the same order the SQL store returns.
func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Name != es[j].Name {
			return es[i].Name < es[j].Name
		}
		return es[i].ID < es[j].ID
	})
}
