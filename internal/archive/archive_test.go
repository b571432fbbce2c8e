package archive_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/archive"
	"github.com/fyrsmithlabs/reconmem/internal/archive/archivetest"
	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func record(id, user, q, a string, minute int) conversation.Record {
	return conversation.Record{
		ID:        id,
		UserID:    user,
		SessionID: "s-" + user,
		Question:  q,
		Answer:    a,
		CreatedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

func TestDocumentText(t *testing.T) {
	rec := record("1", "u", "What is the threshold?", "500 USD", 0)
	assert.Equal(t, "Q: What is the threshold?\nA: 500 USD", archive.DocumentText(rec))

	conversation.Feedback{Rating: 2, FeedbackText: "cite the rule", ImprovedAnswer: "500 USD per rule R7"}.Apply(&rec, base)
	assert.Equal(t,
		"Q: What is the threshold?\nA: 500 USD\nFeedback: cite the rule\nImproved: 500 USD per rule R7",
		archive.DocumentText(rec))
}

func TestArchive_PutAndSearch(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()

	for i, q := range []string{"unmatched invoices in march", "vendor payment delays", "unmatched invoices in april"} {
		indexed, err := env.Archive.Put(ctx, record(fmt.Sprintf("r%d", i), "alice", q, "answer", i))
		require.NoError(t, err)
		assert.True(t, indexed)
	}
	_, err := env.Archive.Put(ctx, record("other", "bob", "unmatched invoices in march", "answer", 5))
	require.NoError(t, err)

	hits, err := env.Archive.Search(ctx, "alice", "unmatched invoices march", 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "r0", hits[0].Record.ID)
	for _, h := range hits {
		assert.Equal(t, "alice", h.Record.UserID)
	}
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestArchive_SearchEmptyQuery(t *testing.T) {
	env := archivetest.New(t)
	hits, err := env.Archive.Search(context.Background(), "alice", "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestArchive_PutIndexFailureStaysDurable(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()

	env.Embedder.SetErr(errors.New("embedding service down"))
	indexed, err := env.Archive.Put(ctx, record("r1", "alice", "q", "a", 0))
	require.NoError(t, err)
	assert.False(t, indexed)

	got, err := env.Archive.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "q", got.Question)

	pending, err := env.Repo.Unindexed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	env.Embedder.SetErr(nil)
	n, err := env.Archive.ReindexPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err = env.Repo.Unindexed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, env.Index.Count())
}

func TestArchive_ReindexUsesSameID(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()

	_, err := env.Archive.Put(ctx, record("r1", "alice", "What is the threshold?", "500", 0))
	require.NoError(t, err)

	ok, err := env.Archive.SetFeedback(ctx, "r1", conversation.Feedback{Rating: 1, FeedbackText: "wrong currency", ImprovedAnswer: "500 EUR"}, base)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, env.Archive.Reindex(ctx, "r1"))

	assert.Equal(t, 1, env.Index.Count())
	results, err := env.Index.SearchWithFilters(vectorstore.ContextWithOwner(ctx, "alice"), "threshold", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "Improved: 500 EUR")
	assert.Equal(t, "1", results[0].Metadata[archive.MetaRating])
}

func TestArchive_FailedReindexAfterRatingIsPending(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()

	_, err := env.Archive.Put(ctx, record("r1", "alice", "What is the threshold?", "500", 0))
	require.NoError(t, err)

	ok, err := env.Archive.SetFeedback(ctx, "r1", conversation.Feedback{Rating: 2, FeedbackText: "wrong currency", ImprovedAnswer: "500 EUR"}, base)
	require.NoError(t, err)
	require.True(t, ok)

	env.Embedder.SetErr(errors.New("embedding service down"))
	require.Error(t, env.Archive.Reindex(ctx, "r1"))

	pending, err := env.Repo.Unindexed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].ID)

	env.Embedder.SetErr(nil)
	n, err := env.Archive.ReindexPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := env.Index.SearchWithFilters(vectorstore.ContextWithOwner(ctx, "alice"), "threshold", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "Improved: 500 EUR")
}

func TestArchive_ScrubsIndexContent(t *testing.T) {
	env := archivetest.New(t)
	ctx := context.Background()

	q := "why does password=hunter2hunter2 fail the import?"
	_, err := env.Archive.Put(ctx, record("r1", "alice", q, "rotate it", 0))
	require.NoError(t, err)

	results, err := env.Index.SearchWithFilters(vectorstore.ContextWithOwner(ctx, "alice"), "import fail", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotContains(t, results[0].Content, "hunter2hunter2")

	stored, err := env.Archive.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, q, stored.Question)
}

func TestArchive_SearchSkipsMissingRecords(t *testing.T) {
	env := archivetest.New(t)
	ctx := vectorstore.ContextWithOwner(context.Background(), "alice")

	_, err := env.Index.AddDocuments(ctx, []vectorstore.Document{{ID: "ghost", Content: "orphan document"}})
	require.NoError(t, err)

	hits, err := env.Archive.Search(context.Background(), "alice", "orphan document", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
