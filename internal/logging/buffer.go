package logging

import (
	"slices"
	"sync"
	"time"
)

// LogEntry is one recorded task log record.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	TaskID     string         `json:"task_id,omitempty"`
	Spider     string         `json:"spider,omitempty"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EntryRing keeps the newest entries of a task log. Once full, each append
// evicts the oldest entry.
type EntryRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	evicted int
}

// NewEntryRing returns a ring holding at most capacity entries.
func NewEntryRing(capacity int) *EntryRing {
	return &EntryRing{entries: make([]LogEntry, 0, max(capacity, 1))}
}

// Append records e.
func (r *EntryRing) Append(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) < cap(r.entries) {
		r.entries = append(r.entries, e)
		return
	}
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	r.evicted++
}

// Entries returns the held entries, oldest first.
func (r *EntryRing) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return nil
	}
	return append(slices.Clone(r.entries[r.next:]), r.entries[:r.next]...)
}

// Tail returns the newest n entries, oldest first.
func (r *EntryRing) Tail(n int) []LogEntry {
	all := r.Entries()
	if n >= 0 && n < len(all) {
		return all[len(all)-n:]
	}
	return all
}

// Len is the number of held entries.
func (r *EntryRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Evicted is the number of entries pushed out by newer ones.
func (r *EntryRing) Evicted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
