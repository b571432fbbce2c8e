package archive_test

import (
	"context"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/reconmem/internal/archive/archivetest"
	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_GetNotFound(t *testing.T) {
	env := archivetest.New(t)
	_, err := env.Repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestRepository_RecentOrderAndExclude(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, env.Repo.Create(ctx, record(id, "alice", "q"+id, "x", i)))
	}
	require.NoError(t, env.Repo.Create(ctx, record("z", "bob", "qz", "x", 10)))

	recent, err := env.Repo.Recent(ctx, "alice", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b"}, ids(recent))

	recent, err = env.Repo.Recent(ctx, "alice", 3, []string{"d", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(recent))

	n, err := env.Repo.CountByUser(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestRepository_RoundTripPreservesFields(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()

	in := record("r1", "alice", "question", "answer", 3)
	require.NoError(t, env.Repo.Create(ctx, in))

	got, err := env.Repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, in.SessionID, got.SessionID)
	assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
	assert.False(t, got.Rated())
}

func TestRepository_SetFeedbackOnlyOnce(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()
	require.NoError(t, env.Repo.Create(ctx, record("r1", "alice", "q", "a", 0)))

	ok, err := env.Repo.SetFeedback(ctx, "r1", conversation.Feedback{Rating: 4}, base)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.Repo.SetFeedback(ctx, "r1", conversation.Feedback{Rating: 1}, base)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := env.Repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.RatingValue())
	require.NotNil(t, got.RatedAt)

	ok, err = env.Repo.SetFeedback(ctx, "missing", conversation.Feedback{Rating: 1}, base)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepository_SetFeedbackConcurrent(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()
	require.NoError(t, env.Repo.Create(ctx, record("r1", "alice", "q", "a", 0)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(rating int) {
			defer wg.Done()
			ok, err := env.Repo.SetFeedback(ctx, "r1", conversation.Feedback{Rating: rating}, base)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRepository_UnratedMatches(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()

	require.NoError(t, env.Repo.Create(ctx, record("old", "alice", "q", "a", 0)))
	require.NoError(t, env.Repo.Create(ctx, record("new", "alice", "q", "a", 5)))
	require.NoError(t, env.Repo.Create(ctx, record("diff", "alice", "q", "other", 6)))
	require.NoError(t, env.Repo.Create(ctx, record("bob", "bob", "q", "a", 7)))

	matches, err := env.Repo.UnratedMatches(ctx, "alice", "q", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, ids(matches))

	_, err = env.Repo.SetFeedback(ctx, "new", conversation.Feedback{Rating: 3}, base)
	require.NoError(t, err)
	matches, err = env.Repo.UnratedMatches(ctx, "alice", "q", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids(matches))
}

func TestRepository_LatestRatedAtMost(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()

	_, err := env.Repo.LatestRatedAtMost(ctx, "alice", conversation.BadRating)
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	for i, rating := range []int{1, 5, 2, 3} {
		id := string(rune('a' + i))
		require.NoError(t, env.Repo.Create(ctx, record(id, "alice", "q"+id, "x", i)))
		_, err := env.Repo.SetFeedback(ctx, id, conversation.Feedback{Rating: rating}, base)
		require.NoError(t, err)
	}

	got, err := env.Repo.LatestRatedAtMost(ctx, "alice", conversation.BadRating)
	require.NoError(t, err)
	assert.Equal(t, "c", got.ID)
}

func ids(recs []conversation.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
