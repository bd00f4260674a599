package observability

import (
	"sync"
	"time"
)

// ChangeEntry records one data mutation for diagnostics.
type ChangeEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Entity    string    `json:"entity"`
	Op        string    `json:"op"` // "save", "restore", "import", "recover"
	Count     int       `json:"count"`
	Detail    string    `json:"detail,omitempty"`
}

// Journal keeps a bounded, newest-last log of recent data mutations.
// Backup archives embed its contents so a restored archive explains
// what changed shortly before it was taken.
type Journal struct {
	mu      sync.RWMutex
	entries []ChangeEntry
	maxSize int
}

// NewJournal creates a journal holding at most maxSize entries.
func NewJournal(maxSize int) *Journal {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &Journal{
		entries: make([]ChangeEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// Append records a mutation, evicting the oldest entry when full.
func (j *Journal) Append(entity, op string, count int, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := ChangeEntry{
		Timestamp: time.Now(),
		Entity:    entity,
		Op:        op,
		Count:     count,
		Detail:    detail,
	}

	if len(j.entries) >= j.maxSize {
		copy(j.entries, j.entries[1:])
		j.entries[len(j.entries)-1] = entry
	} else {
		j.entries = append(j.entries, entry)
	}
}

// Entries returns a copy of the journal contents, oldest first.
func (j *Journal) Entries() []ChangeEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]ChangeEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Len returns the number of buffered entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}
