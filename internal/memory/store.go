// Package memory implements the tiered conversation store.
//
// The cold tier (the archive) is the system of record. The hot tier is a
// bounded FIFO of each user's most recent records, held in a bounded LRU of
// users and rebuilt lazily from the archive. Hot locks are never held across
// archive calls.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/events"
	"github.com/fyrsmithlabs/reconmem/internal/logging"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("reconmem.memory")

// maxFeedbackAttempts bounds rescans after losing a conditional update.
const maxFeedbackAttempts = 3

// Archive is the cold tier as seen by the store.
type Archive interface {
	// Put stores rec durably. The bool reports whether it was also indexed.
	Put(ctx context.Context, rec conversation.Record) (bool, error)
	Get(ctx context.Context, id string) (conversation.Record, error)
	Recent(ctx context.Context, userID string, limit int, exclude []string) ([]conversation.Record, error)
	UnratedMatches(ctx context.Context, userID, question, answer string) ([]conversation.Record, error)
	SetFeedback(ctx context.Context, id string, fb conversation.Feedback, at time.Time) (bool, error)
	Reindex(ctx context.Context, id string) error
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher publishes an appended event for every durable append.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) {
		if p != nil {
			s.events = p
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// Store owns both tiers.
type Store struct {
	archive Archive
	cfg     Config
	logger  *zap.Logger
	events  events.Publisher
	now     func() time.Time
	newID   func() string

	usersMu sync.Mutex
	users   *lru.Cache[string, *ring]
}

// New creates a store over archive.
func New(archive Archive, cfg Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	if archive == nil {
		return nil, fmt.Errorf("archive cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	users, err := lru.NewWithEvict[string, *ring](cfg.MaxActiveUsers, func(string, *ring) {
		ringEvictionsTotal.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("creating user cache: %w", err)
	}

	s := &Store{
		archive: archive,
		cfg:     cfg,
		logger:  logger,
		events:  events.Nop{},
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		users:   users,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// archiveCtx bounds a cold-tier read.
func (s *Store) archiveCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.ArchiveTimeout)
}

// ring returns the user's hot ring, rebuilding it from the archive the
// first time the user is seen.
func (s *Store) ring(ctx context.Context, userID string) *ring {
	s.usersMu.Lock()
	r, ok := s.users.Get(userID)
	if !ok {
		r = newRing(s.cfg.HotCapacity)
		s.users.Add(userID, r)
	}
	s.usersMu.Unlock()

	if !r.isLoaded() {
		s.rebuild(ctx, userID, r)
	}
	return r
}

// peekRing returns the resident ring without creating or loading one.
func (s *Store) peekRing(userID string) (*ring, bool) {
	return s.users.Peek(userID)
}

func (s *Store) rebuild(ctx context.Context, userID string, r *ring) {
	actx, cancel := s.archiveCtx(ctx)
	defer cancel()

	recent, err := s.archive.Recent(actx, userID, s.cfg.HotCapacity, nil)
	if err != nil {
		coldFallbacksTotal.WithLabelValues("rebuild").Inc()
		logging.For(ctx, s.logger).Warn("hot tier rebuild failed, will retry",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	r.load(recent)
	s.logger.Debug("hot tier rebuilt",
		zap.String("user_id", userID),
		zap.Int("records", len(recent)))
}

// Append records a new exchange. The archive write is synchronous; if it
// fails the record lives in the hot tier only and Durable is false.
func (s *Store) Append(ctx context.Context, userID, sessionID, question, answer string) (conversation.AppendResult, error) {
	ctx, span := tracer.Start(ctx, "Store.Append")
	defer span.End()

	if userID == "" {
		return conversation.AppendResult{}, conversation.ErrEmptyUserID
	}

	rec := conversation.Record{
		ID:        s.newID(),
		UserID:    userID,
		SessionID: sessionID,
		Question:  question,
		Answer:    answer,
		CreatedAt: s.now(),
	}
	span.SetAttributes(attribute.String("record_id", rec.ID))

	r := s.ring(ctx, userID)

	log := logging.For(ctx, s.logger)
	durable := true
	if _, err := s.archive.Put(ctx, rec); err != nil {
		durable = false
		span.RecordError(err)
		log.Warn("archive write failed, record kept in hot tier only",
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}

	if evicted := r.push(rec); evicted > 0 {
		hotEvictionsTotal.Add(float64(evicted))
	}
	appendsTotal.WithLabelValues(strconv.FormatBool(durable)).Inc()
	span.SetAttributes(attribute.Bool("durable", durable))

	if durable {
		s.publish(ctx, events.Event{
			Kind:      events.KindAppended,
			RecordID:  rec.ID,
			UserID:    rec.UserID,
			SessionID: rec.SessionID,
			Durable:   true,
			CreatedAt: rec.CreatedAt,
		})
	}

	log.Debug("conversation appended",
		zap.String("record_id", rec.ID),
		zap.Bool("durable", durable))
	return conversation.AppendResult{Record: rec.Clone(), Durable: durable}, nil
}

// Hot returns the user's hot records in append order, newest last.
func (s *Store) Hot(ctx context.Context, userID string) []conversation.Record {
	if userID == "" {
		return nil
	}
	return s.ring(ctx, userID).snapshot()
}

// ReadContext returns prompt context turns, most recent last.
//
// A conversation id resident in the hot tier yields that conversation's
// last ContextLimit turns. Otherwise the last TurnsPerConversation turns of
// the last HotConversations hot records are used, padded from the archive
// when fewer than MinContextTurns are available.
func (s *Store) ReadContext(ctx context.Context, userID, conversationID string) ([]conversation.Turn, error) {
	ctx, span := tracer.Start(ctx, "Store.ReadContext")
	defer span.End()

	if userID == "" {
		return nil, conversation.ErrEmptyUserID
	}
	hot := s.ring(ctx, userID).snapshot()

	if conversationID != "" {
		for _, rec := range hot {
			if rec.ID == conversationID {
				return lastTurns(rec.Turns(), s.cfg.ContextLimit), nil
			}
		}
	}

	start := len(hot) - s.cfg.HotConversations
	if start < 0 {
		start = 0
	}
	turns := make([]conversation.Turn, 0, s.cfg.ContextLimit)
	for _, rec := range hot[start:] {
		turns = append(turns, lastTurns(rec.Turns(), s.cfg.TurnsPerConversation)...)
	}

	if len(turns) < s.cfg.MinContextTurns {
		turns = append(s.padTurns(ctx, userID, turns), turns...)
	}

	span.SetAttributes(attribute.Int("turns", len(turns)))
	return lastTurns(turns, s.cfg.ContextLimit), nil
}

// padTurns fetches the user's most recent archived turns not already in
// have, oldest first. Archive failures yield nothing.
func (s *Store) padTurns(ctx context.Context, userID string, have []conversation.Turn) []conversation.Turn {
	exclude := make([]string, 0, len(have))
	for _, t := range have {
		exclude = append(exclude, t.RecordID)
	}

	actx, cancel := s.archiveCtx(ctx)
	defer cancel()
	cold, err := s.archive.Recent(actx, userID, s.cfg.ColdPadLimit, exclude)
	if err != nil {
		coldFallbacksTotal.WithLabelValues("read_context").Inc()
		logging.For(ctx, s.logger).Warn("context padding skipped, archive unavailable",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil
	}

	var out []conversation.Turn
	for _, rec := range cold {
		out = append(out, rec.Turns()...)
	}
	sortTurns(out)
	return out
}

// UpdateWithFeedback rates the most recent unrated record of the user whose
// question and answer match exactly. No match is ErrNotFound; the store
// never inserts on feedback.
func (s *Store) UpdateWithFeedback(ctx context.Context, userID, question, answer string, fb conversation.Feedback) (conversation.Record, error) {
	ctx, span := tracer.Start(ctx, "Store.UpdateWithFeedback")
	defer span.End()

	if userID == "" {
		return conversation.Record{}, conversation.ErrEmptyUserID
	}
	if err := fb.Validate(); err != nil {
		return conversation.Record{}, err
	}
	log := logging.For(ctx, s.logger)

	for attempt := 0; attempt < maxFeedbackAttempts; attempt++ {
		matches, err := s.archive.UnratedMatches(ctx, userID, question, answer)
		if err != nil {
			feedbackUpdatesTotal.WithLabelValues("archive_error").Inc()
			return conversation.Record{}, fmt.Errorf("%w: %w", conversation.ErrArchiveWrite, err)
		}
		if len(matches) == 0 {
			break
		}
		if len(matches) > 1 {
			invariantViolationsTotal.Inc()
			log.Error("multiple unrated records for one exchange, rating the most recent",
				zap.Error(conversation.ErrInvariantViolation),
				zap.String("user_id", userID),
				zap.Int("matches", len(matches)))
		}

		rec, ok, err := s.applyFeedback(ctx, matches[0], fb)
		if err != nil {
			return conversation.Record{}, err
		}
		if ok {
			return rec, nil
		}
		log.Debug("lost conditional update, rescanning",
			zap.String("record_id", matches[0].ID),
			zap.Int("attempt", attempt+1))
	}

	feedbackUpdatesTotal.WithLabelValues("not_found").Inc()
	return conversation.Record{}, conversation.ErrNotFound
}

// UpdateFeedbackByID rates the record returned from Append.
func (s *Store) UpdateFeedbackByID(ctx context.Context, userID, recordID string, fb conversation.Feedback) (conversation.Record, error) {
	ctx, span := tracer.Start(ctx, "Store.UpdateFeedbackByID")
	defer span.End()

	if userID == "" {
		return conversation.Record{}, conversation.ErrEmptyUserID
	}
	if err := fb.Validate(); err != nil {
		return conversation.Record{}, err
	}

	rec, err := s.archive.Get(ctx, recordID)
	if errors.Is(err, conversation.ErrNotFound) {
		feedbackUpdatesTotal.WithLabelValues("not_found").Inc()
		return conversation.Record{}, conversation.ErrNotFound
	}
	if err != nil {
		feedbackUpdatesTotal.WithLabelValues("archive_error").Inc()
		return conversation.Record{}, fmt.Errorf("%w: %w", conversation.ErrArchiveWrite, err)
	}
	if rec.UserID != userID || rec.Rated() {
		feedbackUpdatesTotal.WithLabelValues("not_found").Inc()
		return conversation.Record{}, conversation.ErrNotFound
	}

	updated, ok, err := s.applyFeedback(ctx, rec, fb)
	if err != nil {
		return conversation.Record{}, err
	}
	if !ok {
		feedbackUpdatesTotal.WithLabelValues("not_found").Inc()
		return conversation.Record{}, conversation.ErrNotFound
	}
	return updated, nil
}

// HasUnrated reports whether a feedback event for this exchange would find
// a record to rate.
func (s *Store) HasUnrated(ctx context.Context, userID, question, answer string) (bool, error) {
	matches, err := s.archive.UnratedMatches(ctx, userID, question, answer)
	if err != nil {
		return false, fmt.Errorf("%w: %w", conversation.ErrArchiveWrite, err)
	}
	return len(matches) > 0, nil
}

// Lookup returns a record by id for its owner.
func (s *Store) Lookup(ctx context.Context, userID, recordID string) (conversation.Record, error) {
	rec, err := s.archive.Get(ctx, recordID)
	if err != nil {
		return conversation.Record{}, err
	}
	if rec.UserID != userID {
		return conversation.Record{}, conversation.ErrNotFound
	}
	return rec, nil
}

// applyFeedback performs the conditional update, then mirrors it into the
// hot tier and the index. ok is false when the record was already rated.
func (s *Store) applyFeedback(ctx context.Context, rec conversation.Record, fb conversation.Feedback) (conversation.Record, bool, error) {
	at := s.now()
	ok, err := s.archive.SetFeedback(ctx, rec.ID, fb, at)
	if err != nil {
		feedbackUpdatesTotal.WithLabelValues("archive_error").Inc()
		return conversation.Record{}, false, fmt.Errorf("%w: %w", conversation.ErrArchiveWrite, err)
	}
	if !ok {
		return conversation.Record{}, false, nil
	}
	fb.Apply(&rec, at)

	if r, resident := s.peekRing(rec.UserID); resident {
		r.update(rec.ID, func(hot *conversation.Record) { fb.Apply(hot, at) })
	}

	if err := s.archive.Reindex(ctx, rec.ID); err != nil {
		logging.For(ctx, s.logger).Warn("rated record not reindexed",
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}

	feedbackUpdatesTotal.WithLabelValues("rated").Inc()
	return rec, true, nil
}

// ReplaceLatestAnswer swaps the answer of the user's newest hot record for
// improved when the questions match. The archive keeps the original answer
// alongside improved_answer.
func (s *Store) ReplaceLatestAnswer(userID, question, improved string) bool {
	if improved == "" {
		return false
	}
	r, ok := s.peekRing(userID)
	if !ok {
		return false
	}
	return r.replaceLatestAnswer(question, improved)
}

func (s *Store) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		logging.For(ctx, s.logger).Warn("event publish failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("record_id", ev.RecordID),
			zap.Error(err))
	}
}
