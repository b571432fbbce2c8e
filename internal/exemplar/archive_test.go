package exemplar_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/archive/archivetest"
	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/exemplar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noHot struct{}

func (noHot) Hot(context.Context, string) []conversation.Record { return nil }

func TestFindExemplars_ArchivePolarityWithFallback(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()
	start := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	minute := 0

	put := func(id, user, q, a string, rating int) {
		t.Helper()
		minute++
		_, err := env.Archive.Put(ctx, conversation.Record{
			ID: id, UserID: user, SessionID: "s", Question: q, Answer: a,
			CreatedAt: start.Add(time.Duration(minute) * time.Minute),
		})
		require.NoError(t, err)
		if rating == 0 {
			return
		}
		ok, err := env.Archive.SetFeedback(ctx, id, conversation.Feedback{Rating: rating}, start)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, env.Archive.Reindex(ctx, id))
	}

	put("bad", "alice", "payroll tax deadline", "april fifteenth", 1)
	put("good", "alice", "unmatched invoices in march", "yes", 5)
	for i := 0; i < 5; i++ {
		put(fmt.Sprintf("filler-%d", i), "alice", "unmatched invoices for vendor", fmt.Sprintf("check ledger entries batch%d", i), 0)
	}
	put("bob-bad", "bob", "unmatched invoices in march", "yes", 1)

	r, err := exemplar.New(env.Archive, noHot{}, time.Second, nil)
	require.NoError(t, err)

	// k=1 asks for three candidates: the bad record is not among them.
	hits, err := env.Archive.Search(ctx, "alice", "unmatched invoices in march", exemplar.CandidateFactor)
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, "bad", h.Record.ID)
	}

	set, err := r.FindExemplars(ctx, "alice", "unmatched invoices in march", 1)
	require.NoError(t, err)
	require.NotNil(t, set.Good)
	require.NotNil(t, set.Bad)
	assert.Equal(t, "good", set.Good.Record.ID)
	assert.Equal(t, "bad", set.Bad.Record.ID)
	assert.Equal(t, "alice", set.Bad.Record.UserID)

	// A k beyond the collection size is capped and sees every alice record.
	set, err = r.FindExemplars(ctx, "alice", "unmatched invoices in march", exemplar.MaxK)
	require.NoError(t, err)
	require.NotNil(t, set.Good)
	require.NotNil(t, set.Bad)
	assert.Equal(t, "good", set.Good.Record.ID)
	assert.Equal(t, "bad", set.Bad.Record.ID)
}
