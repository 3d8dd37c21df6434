package lookup

import (
	"errors"
	"strings"
	"sync"
)

// DefaultSearchLimit bounds substring searches when the caller passes no limit.
const DefaultSearchLimit = 50

// ErrIndexFrozen is returned by Insert once ingestion has completed.
var ErrIndexFrozen = errors.New("lookup index is frozen")

// Entry is one key/value pair of the index.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Index maps lookup keys to values. It is filled once by an ingestion and
// frozen afterwards; a new file gets a new Index.
type Index struct {
	mu      sync.RWMutex
	entries map[string]string
	keys    []string // first-insertion order, drives scans
	frozen  bool
}

// NewIndex returns an empty, writable index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]string)}
}

// Insert sets key to value. A later insert of the same key wins.
func (x *Index) Insert(key, value string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.frozen {
		return ErrIndexFrozen
	}
	if _, ok := x.entries[key]; !ok {
		x.keys = append(x.keys, key)
	}
	x.entries[key] = value
	return nil
}

// Get returns the value stored for key.
func (x *Index) Get(key string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	v, ok := x.entries[key]
	return v, ok
}

// Search returns up to limit entries whose key or value contains query,
// case-insensitively. The scan stops as soon as limit matches are found.
func (x *Index) Search(query string, limit int) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []Entry
	for _, k := range x.keys {
		v := x.entries[k]
		if strings.Contains(strings.ToLower(k), q) || strings.Contains(strings.ToLower(v), q) {
			out = append(out, Entry{Key: k, Value: v})
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Len returns the number of distinct keys.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.keys)
}

// Freeze makes the index read-only.
func (x *Index) Freeze() {
	x.mu.Lock()
	x.frozen = true
	x.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (x *Index) Frozen() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.frozen
}

// Entries returns a copy of all entries in insertion order.
func (x *Index) Entries() []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]Entry, 0, len(x.keys))
	for _, k := range x.keys {
		out = append(out, Entry{Key: k, Value: x.entries[k]})
	}
	return out
}
