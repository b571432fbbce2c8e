// Package feedback implements the rate, improve and re-store workflow.
//
// A record moves from unrated to rated exactly once. Low ratings with
// feedback text trigger regeneration of an improved answer before the
// update is written through the store.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reconmem/internal/config"
	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/events"
	"github.com/fyrsmithlabs/reconmem/internal/generation"
	"github.com/fyrsmithlabs/reconmem/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("reconmem.feedback")

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconmem_feedback_submissions_total",
			Help: "Feedback submissions by outcome",
		},
		[]string{"outcome"},
	)

	improvementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconmem_feedback_improvements_total",
			Help: "Improved answer generation attempts by result",
		},
		[]string{"result"},
	)
)

// Store is the write path into both tiers.
type Store interface {
	HasUnrated(ctx context.Context, userID, question, answer string) (bool, error)
	UpdateWithFeedback(ctx context.Context, userID, question, answer string, fb conversation.Feedback) (conversation.Record, error)
	UpdateFeedbackByID(ctx context.Context, userID, recordID string, fb conversation.Feedback) (conversation.Record, error)
	Lookup(ctx context.Context, userID, recordID string) (conversation.Record, error)
	ReplaceLatestAnswer(userID, question, improved string) bool
}

// ImprovementSource supplies prior improvements on similar questions.
type ImprovementSource interface {
	FindImprovements(ctx context.Context, userID, query string, limit int) ([]conversation.Improvement, error)
}

// Config tunes the workflow.
type Config struct {
	// Threshold is the highest rating that triggers regeneration.
	Threshold int
	// PriorImprovements caps the examples in the regeneration prompt.
	PriorImprovements int
}

// ConfigFromApp maps the memory section onto the workflow.
func ConfigFromApp(m config.MemoryConfig) Config {
	return Config{Threshold: m.ImprovementThreshold, PriorImprovements: m.ImprovementExemplars}
}

// Request is a rating for an exchange identified by its content.
type Request struct {
	UserID         string `json:"user_id"`
	Question       string `json:"question"`
	OriginalAnswer string `json:"original_answer"`
	Rating         int    `json:"rating"`
	FeedbackText   string `json:"feedback_text,omitempty"`
}

// Result is the outcome of a successful submission.
type Result struct {
	Record         conversation.Record `json:"record"`
	ImprovedAnswer string              `json:"improved_answer,omitempty"`
}

// Workflow runs feedback submissions.
type Workflow struct {
	store        Store
	improvements ImprovementSource
	generator    generation.Generator
	events       events.Publisher
	cfg          Config
	logger       *zap.Logger
}

// New creates a Workflow. publisher may be nil.
func New(store Store, improvements ImprovementSource, generator generation.Generator, publisher events.Publisher, cfg Config, logger *zap.Logger) (*Workflow, error) {
	if store == nil || improvements == nil || generator == nil {
		return nil, fmt.Errorf("store, improvement source and generator are required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.PriorImprovements <= 0 {
		cfg.PriorImprovements = 3
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		store:        store,
		improvements: improvements,
		generator:    generator,
		events:       publisher,
		cfg:          cfg,
		logger:       logger,
	}, nil
}

// ShouldImprove reports whether a rating triggers regeneration.
func (w *Workflow) ShouldImprove(rating int, feedbackText string) bool {
	return rating <= w.cfg.Threshold && strings.TrimSpace(feedbackText) != ""
}

// SubmitFeedback rates the most recent unrated record matching the
// question and answer. A second submission for the same exchange returns
// conversation.ErrNotFound.
func (w *Workflow) SubmitFeedback(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "Workflow.SubmitFeedback")
	defer span.End()

	if err := w.validate(req.UserID, req.Rating); err != nil {
		return Result{}, err
	}

	// Check before generating so a duplicate submission costs no model call.
	ok, err := w.store.HasUnrated(ctx, req.UserID, req.Question, req.OriginalAnswer)
	if err != nil {
		submissionsTotal.WithLabelValues("archive_error").Inc()
		return Result{}, err
	}
	if !ok {
		submissionsTotal.WithLabelValues("not_found").Inc()
		return Result{}, conversation.ErrNotFound
	}

	improved := w.improve(ctx, req.UserID, req.Question, req.OriginalAnswer, req.Rating, req.FeedbackText)
	span.SetAttributes(attribute.Bool("improved", improved != ""))

	rec, err := w.store.UpdateWithFeedback(ctx, req.UserID, req.Question, req.OriginalAnswer, conversation.Feedback{
		Rating:         req.Rating,
		FeedbackText:   req.FeedbackText,
		ImprovedAnswer: improved,
	})
	if err != nil {
		return Result{}, w.fail(err)
	}
	return w.finish(ctx, rec, improved), nil
}

// SubmitFeedbackByID rates the record with the given id.
func (w *Workflow) SubmitFeedbackByID(ctx context.Context, userID, recordID string, rating int, feedbackText string) (Result, error) {
	ctx, span := tracer.Start(ctx, "Workflow.SubmitFeedbackByID")
	defer span.End()

	if err := w.validate(userID, rating); err != nil {
		return Result{}, err
	}

	rec, err := w.store.Lookup(ctx, userID, recordID)
	if errors.Is(err, conversation.ErrNotFound) || (err == nil && rec.Rated()) {
		submissionsTotal.WithLabelValues("not_found").Inc()
		return Result{}, conversation.ErrNotFound
	}
	if err != nil {
		submissionsTotal.WithLabelValues("archive_error").Inc()
		return Result{}, fmt.Errorf("%w: %w", conversation.ErrArchiveWrite, err)
	}

	improved := w.improve(ctx, userID, rec.Question, rec.Answer, rating, feedbackText)

	updated, err := w.store.UpdateFeedbackByID(ctx, userID, recordID, conversation.Feedback{
		Rating:         rating,
		FeedbackText:   feedbackText,
		ImprovedAnswer: improved,
	})
	if err != nil {
		return Result{}, w.fail(err)
	}
	return w.finish(ctx, updated, improved), nil
}

func (w *Workflow) validate(userID string, rating int) error {
	if userID == "" {
		return conversation.ErrEmptyUserID
	}
	if err := (conversation.Feedback{Rating: rating}).Validate(); err != nil {
		submissionsTotal.WithLabelValues("invalid").Inc()
		return err
	}
	return nil
}

func (w *Workflow) fail(err error) error {
	if errors.Is(err, conversation.ErrNotFound) {
		submissionsTotal.WithLabelValues("not_found").Inc()
		return err
	}
	submissionsTotal.WithLabelValues("archive_error").Inc()
	if !errors.Is(err, conversation.ErrArchiveWrite) {
		err = fmt.Errorf("%w: %w", conversation.ErrArchiveWrite, err)
	}
	return err
}

// finish mirrors the improvement into the hot tier and announces the rating.
func (w *Workflow) finish(ctx context.Context, rec conversation.Record, improved string) Result {
	if improved != "" {
		w.store.ReplaceLatestAnswer(rec.UserID, rec.Question, improved)
	}
	submissionsTotal.WithLabelValues("rated").Inc()

	ev := events.Event{
		Kind:      events.KindRated,
		RecordID:  rec.ID,
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		Rating:    rec.Rating,
		Improved:  improved != "",
		Durable:   true,
		CreatedAt: rec.CreatedAt,
		RatedAt:   rec.RatedAt,
	}
	if err := w.events.Publish(ctx, ev); err != nil {
		logging.For(ctx, w.logger).Warn("rated event publish failed",
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}

	logging.For(ctx, w.logger).Info("feedback recorded",
		zap.String("record_id", rec.ID),
		zap.Int("rating", rec.RatingValue()),
		zap.Bool("improved", improved != ""))
	return Result{Record: rec, ImprovedAnswer: improved}
}

// improve returns a sanitized improved answer, or "" when the rating does
// not call for one or generation fails.
func (w *Workflow) improve(ctx context.Context, userID, question, original string, rating int, feedbackText string) string {
	if !w.ShouldImprove(rating, feedbackText) {
		return ""
	}
	log := logging.For(ctx, w.logger)

	prior, err := w.improvements.FindImprovements(ctx, userID, question, w.cfg.PriorImprovements)
	if err != nil {
		log.Warn("prior improvements unavailable", zap.Error(err))
		prior = nil
	}
	if len(prior) > w.cfg.PriorImprovements {
		prior = prior[:w.cfg.PriorImprovements]
	}

	raw, err := w.generator.Generate(ctx, ImprovementPrompt(question, original, feedbackText, prior))
	if err != nil {
		improvementsTotal.WithLabelValues("error").Inc()
		log.Warn("improved answer generation failed, recording rating only", zap.Error(err))
		return ""
	}
	improved := Sanitize(raw)
	if improved == "" {
		improvementsTotal.WithLabelValues("empty").Inc()
		return ""
	}
	improvementsTotal.WithLabelValues("ok").Inc()
	return improved
}
