package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node
// deployments. All reads and writes are serialized under one mutex; iteration
// is over sorted keys so query results are deterministic.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	value     []byte
	version   uint64
	deleted   bool
	revisions []Revision
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the revision timestamp source. Tests use this to get
// stable history timestamps; it has no effect on stored values.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(_ context.Context, key string) (Versioned, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.deleted {
		return Versioned{}, ErrNotFound
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return Versioned{Key: key, Value: value, Version: e.version}, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	live := ok && !e.deleted

	if expectedVersion == 0 {
		if live {
			return ErrVersionConflict
		}
	} else {
		if !live || e.version != expectedVersion {
			return ErrVersionConflict
		}
	}

	if e == nil {
		e = &memEntry{}
		s.entries[key] = e
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	e.value = stored
	e.version++
	e.deleted = false
	e.revisions = append(e.revisions, Revision{
		Version:   e.version,
		Value:     stored,
		Timestamp: s.now(),
	})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.deleted || e.version != expectedVersion {
		return ErrVersionConflict
	}
	e.deleted = true
	e.value = nil
	e.version++
	e.revisions = append(e.revisions, Revision{
		Version:   e.version,
		Timestamp: s.now(),
		Deleted:   true,
	})
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && !e.deleted, nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]Versioned, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type hit struct {
		v       Versioned
		sortKey string
	}
	var hits []hit
	for _, k := range keys {
		e := s.entries[k]
		if e.deleted {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(e.value, &doc); err != nil {
			continue
		}
		if !matchesQuery(doc, q) {
			continue
		}
		value := make([]byte, len(e.value))
		copy(value, e.value)
		hits = append(hits, hit{
			v:       Versioned{Key: k, Value: value, Version: e.version},
			sortKey: stringField(doc, q.SortField),
		})
	}

	if q.SortField != "" {
		sort.SliceStable(hits, func(i, j int) bool {
			a, b := hits[i], hits[j]
			if a.sortKey != b.sortKey {
				if q.Descending {
					return a.sortKey > b.sortKey
				}
				return a.sortKey < b.sortKey
			}
			return a.v.Key < b.v.Key
		})
	}

	out := make([]Versioned, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.v)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) History(_ context.Context, key string) ([]Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Revision, len(e.revisions))
	copy(out, e.revisions)
	return out, nil
}

func matchesQuery(doc map[string]any, q Query) bool {
	for field, want := range q.Selector {
		if stringField(doc, field) != want {
			return false
		}
	}
	for path, needle := range q.Match {
		if !matchesSubstring(doc, path, needle) {
			return false
		}
	}
	return true
}

// matchesSubstring implements the case-insensitive literal substring contract,
// including the "arr[].field" any-element form.
func matchesSubstring(doc map[string]any, path, needle string) bool {
	needle = strings.ToLower(needle)

	arr, field, nested := strings.Cut(path, "[].")
	if nested {
		items, ok := doc[arr].([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if strings.Contains(strings.ToLower(stringField(obj, field)), needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(stringField(doc, path)), needle)
}

func stringField(doc map[string]any, field string) string {
	if field == "" {
		return ""
	}
	v, ok := doc[field].(string)
	if !ok {
		return ""
	}
	return v
}
