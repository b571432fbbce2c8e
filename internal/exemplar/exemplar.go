// Package exemplar selects past rated conversations that guide generation:
// one good and one bad example per query, plus prior improvements.
package exemplar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/archive"
	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// DefaultK is the number of exemplars a query is sized for.
	DefaultK = 5

	// MaxK caps k, and with it the similarity candidate count.
	MaxK = 50

	// CandidateFactor scales k into the number of similarity candidates.
	CandidateFactor = 3

	// DefaultImprovementLimit caps FindImprovements.
	DefaultImprovementLimit = 3
)

var tracer = otel.Tracer("reconmem.exemplar")

var fallbacksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reconmem_exemplar_fallbacks_total",
		Help: "Exemplar lookups that used a fallback path",
	},
	[]string{"reason"},
)

// Searcher is the slice of the archive the retriever reads.
type Searcher interface {
	Search(ctx context.Context, userID, query string, k int) ([]archive.Hit, error)
	LatestRatedAtMost(ctx context.Context, userID string, maxRating int) (conversation.Record, error)
}

// HotSource supplies the hot tier when the archive is unavailable.
type HotSource interface {
	Hot(ctx context.Context, userID string) []conversation.Record
}

// Retriever finds exemplars for a query.
type Retriever struct {
	search  Searcher
	hot     HotSource
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Retriever. timeout bounds every archive call; zero means
// two seconds.
func New(search Searcher, hot HotSource, timeout time.Duration, logger *zap.Logger) (*Retriever, error) {
	if search == nil {
		return nil, fmt.Errorf("searcher cannot be nil")
	}
	if hot == nil {
		return nil, fmt.Errorf("hot source cannot be nil")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{search: search, hot: hot, timeout: timeout, logger: logger}, nil
}

// FindExemplars ranks the user's archived conversations against query and
// returns the best good (rating >= 4) and bad (rating <= 2) candidates.
// With no bad candidate among the results, the user's most recent bad
// record is used instead. Archive failures fall back to the hot tier.
func (r *Retriever) FindExemplars(ctx context.Context, userID, query string, k int) (conversation.ExemplarSet, error) {
	ctx, span := tracer.Start(ctx, "Retriever.FindExemplars")
	defer span.End()

	if userID == "" {
		return conversation.ExemplarSet{}, conversation.ErrEmptyUserID
	}
	if k <= 0 {
		k = DefaultK
	}
	if k > MaxK {
		k = MaxK
	}
	log := logging.For(ctx, r.logger)

	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	hits, err := r.search.Search(actx, userID, query, CandidateFactor*k)
	if err != nil {
		fallbacksTotal.WithLabelValues("archive_unavailable").Inc()
		log.Warn("exemplar search failed, using hot tier", zap.Error(err))
		return r.fromHot(ctx, userID), nil
	}
	span.SetAttributes(attribute.Int("candidates", len(hits)))
	if len(hits) == 0 {
		return conversation.ExemplarSet{}, nil
	}

	var good, bad []conversation.Exemplar
	for _, h := range hits {
		if h.Record.UserID != userID || !h.Record.Rated() {
			continue
		}
		ex := conversation.Exemplar{Record: h.Record, Score: h.Score}
		switch rating := h.Record.RatingValue(); {
		case rating >= conversation.GoodRating:
			good = append(good, ex)
		case rating <= conversation.BadRating:
			bad = append(bad, ex)
		}
	}
	rank(good)
	rank(bad)

	var set conversation.ExemplarSet
	if len(good) > 0 {
		set.Good = &good[0]
	}
	if len(bad) > 0 {
		set.Bad = &bad[0]
	} else {
		set.Bad = r.latestBad(actx, userID)
	}

	span.SetAttributes(
		attribute.Bool("good", set.Good != nil),
		attribute.Bool("bad", set.Bad != nil),
	)
	return set, nil
}

// latestBad is the broadened lookup for a bad exemplar.
func (r *Retriever) latestBad(ctx context.Context, userID string) *conversation.Exemplar {
	rec, err := r.search.LatestRatedAtMost(ctx, userID, conversation.BadRating)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil
	}
	if err != nil {
		logging.For(ctx, r.logger).Warn("bad exemplar scan failed", zap.Error(err))
		return nil
	}
	fallbacksTotal.WithLabelValues("bad_scan").Inc()
	return &conversation.Exemplar{Record: rec}
}

// fromHot picks the most recent good and bad records in the hot tier.
func (r *Retriever) fromHot(ctx context.Context, userID string) conversation.ExemplarSet {
	var set conversation.ExemplarSet
	hot := r.hot.Hot(ctx, userID)
	for i := len(hot) - 1; i >= 0; i-- {
		rec := hot[i]
		if !rec.Rated() {
			continue
		}
		switch rating := rec.RatingValue(); {
		case rating >= conversation.GoodRating && set.Good == nil:
			set.Good = &conversation.Exemplar{Record: rec}
		case rating <= conversation.BadRating && set.Bad == nil:
			set.Bad = &conversation.Exemplar{Record: rec}
		}
	}
	return set
}

// FindImprovements returns up to limit similar conversations that carry
// both feedback and an improved answer, most similar first.
func (r *Retriever) FindImprovements(ctx context.Context, userID, query string, limit int) ([]conversation.Improvement, error) {
	ctx, span := tracer.Start(ctx, "Retriever.FindImprovements")
	defer span.End()

	if limit <= 0 {
		limit = DefaultImprovementLimit
	}

	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	hits, err := r.search.Search(actx, userID, query, CandidateFactor*DefaultK)
	if err != nil {
		fallbacksTotal.WithLabelValues("archive_unavailable").Inc()
		logging.For(ctx, r.logger).Warn("improvement search failed, using hot tier", zap.Error(err))
		return improvementsFromHot(r.hot.Hot(ctx, userID), limit), nil
	}

	out := make([]conversation.Improvement, 0, limit)
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		if h.Record.UserID != userID || h.Record.FeedbackText == "" || h.Record.ImprovedAnswer == "" {
			continue
		}
		out = append(out, improvementOf(h.Record))
	}
	return out, nil
}

func improvementsFromHot(hot []conversation.Record, limit int) []conversation.Improvement {
	out := make([]conversation.Improvement, 0, limit)
	for i := len(hot) - 1; i >= 0 && len(out) < limit; i-- {
		if hot[i].FeedbackText != "" && hot[i].ImprovedAnswer != "" {
			out = append(out, improvementOf(hot[i]))
		}
	}
	return out
}

func improvementOf(rec conversation.Record) conversation.Improvement {
	return conversation.Improvement{
		Question:       rec.Question,
		FeedbackText:   rec.FeedbackText,
		ImprovedAnswer: rec.ImprovedAnswer,
	}
}

// rank sorts by similarity, most recent first on ties.
func rank(exs []conversation.Exemplar) {
	sort.SliceStable(exs, func(i, j int) bool {
		if exs[i].Score != exs[j].Score {
			return exs[i].Score > exs[j].Score
		}
		return exs[i].Record.CreatedAt.After(exs[j].Record.CreatedAt)
	})
}
