package history

import (
	"sync"
	"time"
)

// Entry is one row of the admin-visible activity log.
type Entry struct {
	JobID       string    `json:"jobId"`
	ItemID      string    `json:"itemId"`
	Title       string    `json:"title"`
	Outcome     string    `json:"outcome"` // submitted, completed, or a failure kind
	ArchiveSize int64     `json:"archiveSize,omitempty"`
	At          time.Time `json:"at"`
}

// Store accepts activity entries. The in-process store below is the default;
// a persistence-backed implementation can be swapped in behind the same
// interface when a history endpoint is configured.
type Store interface {
	Record(entry Entry)
	Recent(n int) []Entry
}

// MemoryStore keeps the most recent entries in a bounded slice.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

// NewMemoryStore creates a store holding at most limit entries.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 500
	}
	return &MemoryStore{limit: limit}
}

// Record appends an entry, discarding the oldest past the limit.
func (s *MemoryStore) Record(entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.limit {
		s.entries = s.entries[len(s.entries)-s.limit:]
	}
}

// Recent returns up to n entries, newest first.
func (s *MemoryStore) Recent(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = s.entries[len(s.entries)-1-i]
	}
	return out
}
