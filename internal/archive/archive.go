// Package archive is the cold tier: a relational repository that is the
// system of record for conversation records, paired with a similarity
// index holding one document per record under the same id.
//
// The repository write always happens first. A record whose index write
// failed stays durable with indexed_at unset and is picked up by
// ReindexPending.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/secrets"
	"github.com/fyrsmithlabs/reconmem/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("reconmem.archive")

// Index metadata keys. The owner key is injected by the store's isolation.
const (
	MetaRating    = "rating"
	MetaCreatedAt = "created_at"
	MetaSessionID = "session_id"
)

// Hit is a search result hydrated from the repository.
type Hit struct {
	Record conversation.Record
	Score  float64
}

// Archive combines the repository and the similarity index.
type Archive struct {
	repo     *Repository
	index    vectorstore.Store
	scrubber *secrets.Scrubber
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an Archive. A nil scrubber disables scrubbing.
func New(repo *Repository, index vectorstore.Store, scrubber *secrets.Scrubber, logger *zap.Logger) (*Archive, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("index cannot be nil")
	}
	if scrubber == nil {
		scrubber = secrets.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{
		repo:     repo,
		index:    index,
		scrubber: scrubber,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Repository exposes the underlying record store.
func (a *Archive) Repository() *Repository {
	return a.repo
}

// DocumentText is the indexed text for a record.
func DocumentText(rec conversation.Record) string {
	var b strings.Builder
	b.WriteString("Q: ")
	b.WriteString(rec.Question)
	b.WriteString("\nA: ")
	b.WriteString(rec.Answer)
	if rec.FeedbackText != "" {
		b.WriteString("\nFeedback: ")
		b.WriteString(rec.FeedbackText)
	}
	if rec.ImprovedAnswer != "" {
		b.WriteString("\nImproved: ")
		b.WriteString(rec.ImprovedAnswer)
	}
	return b.String()
}

func (a *Archive) document(rec conversation.Record) vectorstore.Document {
	meta := map[string]interface{}{
		MetaCreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		MetaSessionID: rec.SessionID,
	}
	if rec.Rating != nil {
		meta[MetaRating] = *rec.Rating
	}
	res := a.scrubber.Scrub(DocumentText(rec))
	if res.HasFindings() {
		a.logger.Info("redacted credentials from index content",
			zap.String("record_id", rec.ID),
			zap.Int("findings", len(res.Findings)))
	}
	return vectorstore.Document{ID: rec.ID, Content: res.Scrubbed, Metadata: meta}
}

// Put writes rec to the repository and then to the index. It reports
// whether the index write succeeded; only a repository failure is an error.
func (a *Archive) Put(ctx context.Context, rec conversation.Record) (bool, error) {
	ctx, span := tracer.Start(ctx, "Archive.Put")
	defer span.End()
	span.SetAttributes(attribute.String("record_id", rec.ID))

	if err := a.repo.Create(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository write failed")
		return false, err
	}
	if err := a.Index(ctx, rec); err != nil {
		a.logger.Warn("record stored but not indexed",
			zap.String("record_id", rec.ID),
			zap.Error(err))
		return false, nil
	}
	return true, nil
}

// Index upserts the index document for rec and stamps indexed_at.
func (a *Archive) Index(ctx context.Context, rec conversation.Record) error {
	ctx = vectorstore.ContextWithOwner(ctx, rec.UserID)
	if _, err := a.index.AddDocuments(ctx, []vectorstore.Document{a.document(rec)}); err != nil {
		return fmt.Errorf("index record %s: %w", rec.ID, err)
	}
	if err := a.repo.MarkIndexed(ctx, []string{rec.ID}, a.now()); err != nil {
		a.logger.Warn("failed to stamp indexed_at", zap.String("record_id", rec.ID), zap.Error(err))
	}
	return nil
}

// Reindex reloads the record by id and rewrites its index document, so the
// document reflects feedback and improved answers.
func (a *Archive) Reindex(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Archive.Reindex")
	defer span.End()

	rec, err := a.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := a.Index(ctx, rec); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// ReindexPending indexes up to limit records whose index write failed.
func (a *Archive) ReindexPending(ctx context.Context, limit int) (int, error) {
	pending, err := a.repo.Unindexed(ctx, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := a.Index(ctx, rec); err != nil {
			a.logger.Warn("reindex failed", zap.String("record_id", rec.ID), zap.Error(err))
			continue
		}
		done++
	}
	if done > 0 {
		a.logger.Info("reindexed pending records", zap.Int("count", done), zap.Int("pending", len(pending)))
	}
	return done, nil
}

// Search returns the user's records most similar to query, best first.
// Index hits whose record is missing from the repository are skipped.
func (a *Archive) Search(ctx context.Context, userID, query string, k int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "Archive.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if strings.TrimSpace(query) == "" {
		return []Hit{}, nil
	}
	results, err := a.index.SearchWithFilters(vectorstore.ContextWithOwner(ctx, userID), query, k, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("search index: %w", err)
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	byID, err := a.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		rec, ok := byID[r.ID]
		if !ok {
			a.logger.Debug("index hit without record", zap.String("record_id", r.ID))
			continue
		}
		if rec.UserID != userID {
			a.logger.Error("index returned another user's record", zap.String("record_id", r.ID))
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: float64(r.Score)})
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

// Get returns a record by id.
func (a *Archive) Get(ctx context.Context, id string) (conversation.Record, error) {
	return a.repo.Get(ctx, id)
}

// Recent returns the user's newest records, skipping exclude.
func (a *Archive) Recent(ctx context.Context, userID string, limit int, exclude []string) ([]conversation.Record, error) {
	return a.repo.Recent(ctx, userID, limit, exclude)
}

// UnratedMatches returns the user's unrated exact matches, newest first.
func (a *Archive) UnratedMatches(ctx context.Context, userID, question, answer string) ([]conversation.Record, error) {
	return a.repo.UnratedMatches(ctx, userID, question, answer)
}

// SetFeedback conditionally rates a record.
func (a *Archive) SetFeedback(ctx context.Context, id string, fb conversation.Feedback, at time.Time) (bool, error) {
	return a.repo.SetFeedback(ctx, id, fb, at)
}

// LatestRatedAtMost returns the user's most recent record rated at or below maxRating.
func (a *Archive) LatestRatedAtMost(ctx context.Context, userID string, maxRating int) (conversation.Record, error) {
	return a.repo.LatestRatedAtMost(ctx, userID, maxRating)
}

// Ping checks the repository.
func (a *Archive) Ping(ctx context.Context) error {
	return a.repo.Ping(ctx)
}

// Close closes the index and the repository.
func (a *Archive) Close() error {
	indexErr := a.index.Close()
	repoErr := a.repo.Close()
	if indexErr != nil {
		return indexErr
	}
	return repoErr
}
