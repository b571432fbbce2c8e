package memory

import (
	"sort"
	"sync"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
)

// ring is one user's hot tier: at most capacity records in insertion
// order, oldest first.
type ring struct {
	mu       sync.Mutex
	capacity int
	loaded   bool
	entries  []conversation.Record
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity, entries: make([]conversation.Record, 0, capacity)}
}

func (r *ring) isLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// push appends rec as the newest entry and evicts from the front. A record
// already resident is not added twice. It returns the number of evicted
// records.
func (r *ring) push(rec conversation.Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].ID == rec.ID {
			return 0
		}
	}
	r.entries = append(r.entries, rec.Clone())
	return r.trim()
}

// load merges records read from the archive with anything pushed while
// the ring was unloaded. Archive records are ordered by created_at and
// precede pushed ones, which keep their insertion order. Archive copies win
// on id collisions.
func (r *ring) load(cold []conversation.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return
	}

	seen := make(map[string]bool, len(cold))
	merged := make([]conversation.Record, 0, len(cold)+len(r.entries))
	for _, rec := range cold {
		seen[rec.ID] = true
		merged = append(merged, rec.Clone())
	}
	sortRecords(merged)
	for _, rec := range r.entries {
		if !seen[rec.ID] {
			merged = append(merged, rec)
		}
	}
	r.entries = merged
	r.trim()
	r.loaded = true
}

// trim drops the oldest entries above capacity. Caller holds mu.
func (r *ring) trim() int {
	over := len(r.entries) - r.capacity
	if over <= 0 {
		return 0
	}
	kept := make([]conversation.Record, r.capacity)
	copy(kept, r.entries[over:])
	r.entries = kept
	return over
}

// snapshot returns a deep copy, oldest first.
func (r *ring) snapshot() []conversation.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]conversation.Record, len(r.entries))
	for i, rec := range r.entries {
		out[i] = rec.Clone()
	}
	return out
}

// update replaces the resident copy of rec by id.
func (r *ring) update(id string, fn func(*conversation.Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ID == id {
			fn(&r.entries[i])
			return true
		}
	}
	return false
}

// replaceLatestAnswer swaps the answer of the newest entry when its
// question matches.
func (r *ring) replaceLatestAnswer(question, answer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return false
	}
	last := &r.entries[len(r.entries)-1]
	if last.Question != question {
		return false
	}
	last.Answer = answer
	return true
}

func before(a, b conversation.Record) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func sortRecords(recs []conversation.Record) {
	sort.SliceStable(recs, func(i, j int) bool { return before(recs[i], recs[j]) })
}
