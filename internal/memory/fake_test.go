package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
)

var errArchiveDown = errors.New("archive down")

// fakeArchive is an in-memory Archive with failure switches.
type fakeArchive struct {
	mu        sync.Mutex
	recs      map[string]conversation.Record
	down      bool
	loseRaces int
	reindexed []string
	recentHit int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{recs: make(map[string]conversation.Record)}
}

func (f *fakeArchive) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeArchive) Put(_ context.Context, rec conversation.Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errArchiveDown
	}
	f.recs[rec.ID] = rec.Clone()
	return true, nil
}

func (f *fakeArchive) Get(_ context.Context, id string) (conversation.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return conversation.Record{}, errArchiveDown
	}
	rec, ok := f.recs[id]
	if !ok {
		return conversation.Record{}, conversation.ErrNotFound
	}
	return rec.Clone(), nil
}

func (f *fakeArchive) newestFirst(userID string, keep func(conversation.Record) bool) []conversation.Record {
	var out []conversation.Record
	for _, rec := range f.recs {
		if rec.UserID == userID && keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[j], out[i]) })
	return out
}

func (f *fakeArchive) Recent(_ context.Context, userID string, limit int, exclude []string) ([]conversation.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentHit++
	if f.down {
		return nil, errArchiveDown
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	out := f.newestFirst(userID, func(r conversation.Record) bool { return !skip[r.ID] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeArchive) UnratedMatches(_ context.Context, userID, question, answer string) ([]conversation.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errArchiveDown
	}
	return f.newestFirst(userID, func(r conversation.Record) bool {
		return !r.Rated() && r.Matches(question, answer)
	}), nil
}

func (f *fakeArchive) SetFeedback(_ context.Context, id string, fb conversation.Feedback, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errArchiveDown
	}
	rec, ok := f.recs[id]
	if !ok || rec.Rated() {
		return false, nil
	}
	if f.loseRaces > 0 {
		// Another writer rates it first.
		f.loseRaces--
		conversation.Feedback{Rating: 3}.Apply(&rec, at)
		f.recs[id] = rec
		return false, nil
	}
	fb.Apply(&rec, at)
	f.recs[id] = rec
	return true, nil
}

func (f *fakeArchive) Reindex(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errArchiveDown
	}
	f.reindexed = append(f.reindexed, id)
	return nil
}

// stepClock returns a clock advancing one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

// seqIDs returns ids r01, r02, ...
func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("r%02d", n)
	}
}
