// Package chat answers questions against the rule engine's analysis,
// guided by the user's recent history and rated exemplars.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/generation"
	"github.com/fyrsmithlabs/reconmem/internal/logging"
	"github.com/fyrsmithlabs/reconmem/internal/parser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("reconmem.chat")

// ErrNoResponse is returned when the generator fails or its output cannot
// be parsed. Its message is safe to show to the user.
var ErrNoResponse = errors.New("could not generate a response")

// ErrEmptyQuestion is returned for a blank question.
var ErrEmptyQuestion = errors.New("question cannot be empty")

var asksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reconmem_chat_asks_total",
		Help: "Questions answered by prompt mode and outcome",
	},
	[]string{"mode", "outcome"},
)

// Analysis is the rule and anomaly engine output, passed through as
// opaque JSON.
type Analysis struct {
	Flagged   json.RawMessage `json:"flagged,omitempty"`
	Clean     json.RawMessage `json:"clean,omitempty"`
	MLFlagged json.RawMessage `json:"ml_flagged,omitempty"`
}

// Empty reports whether no part of the analysis is present.
func (a Analysis) Empty() bool {
	return len(a.Flagged) == 0 && len(a.Clean) == 0 && len(a.MLFlagged) == 0
}

// Request is one question.
type Request struct {
	UserID            string   `json:"user_id"`
	SessionID         string   `json:"session_id"`
	ConversationID    string   `json:"conversation_id,omitempty"`
	Question          string   `json:"question"`
	AdditionalContext string   `json:"additional_context,omitempty"`
	Analysis          Analysis `json:"analysis"`
}

// Response is the answer and the stored record.
type Response struct {
	Answer     parser.Answer       `json:"answer"`
	Record     conversation.Record `json:"record"`
	Durable    bool                `json:"durable"`
	HasHistory bool                `json:"has_history"`
	Strategy   parser.Strategy     `json:"strategy"`
}

// Memory is the tiered store as seen by the chat service.
type Memory interface {
	ReadContext(ctx context.Context, userID, conversationID string) ([]conversation.Turn, error)
	Append(ctx context.Context, userID, sessionID, question, answer string) (conversation.AppendResult, error)
}

// ExemplarFinder selects rated exemplars for a question.
type ExemplarFinder interface {
	FindExemplars(ctx context.Context, userID, query string, k int) (conversation.ExemplarSet, error)
}

// KnowledgeSource returns reference chunks relevant to a question.
type KnowledgeSource interface {
	Relevant(ctx context.Context, question string) ([]string, error)
}

// Service runs the question flow.
type Service struct {
	memory    Memory
	exemplars ExemplarFinder
	generator generation.Generator
	knowledge KnowledgeSource
	k         int
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithKnowledge quotes chunks from src in every prompt's Context block.
func WithKnowledge(src KnowledgeSource) Option {
	return func(s *Service) {
		s.knowledge = src
	}
}

// NewService creates a Service. k is the exemplar query size.
func NewService(memory Memory, exemplars ExemplarFinder, generator generation.Generator, k int, logger *zap.Logger, opts ...Option) (*Service, error) {
	if memory == nil || exemplars == nil || generator == nil {
		return nil, fmt.Errorf("memory, exemplar finder and generator are required")
	}
	if k <= 0 {
		k = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{memory: memory, exemplars: exemplars, generator: generator, k: k, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ask answers req.Question and appends the exchange to memory. Generator
// and parse failures return ErrNoResponse and store nothing.
func (s *Service) Ask(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "Service.Ask")
	defer span.End()

	if req.UserID == "" {
		return Response{}, conversation.ErrEmptyUserID
	}
	if strings.TrimSpace(req.Question) == "" {
		return Response{}, ErrEmptyQuestion
	}
	ctx = logging.WithSessionID(logging.WithUserID(ctx, req.UserID), req.SessionID)
	log := logging.For(ctx, s.logger)

	question := req.Question
	if req.AdditionalContext != "" {
		question = fmt.Sprintf("%s. Additional context: %s", req.Question, req.AdditionalContext)
	}

	set, err := s.exemplars.FindExemplars(ctx, req.UserID, question, s.k)
	if err != nil {
		log.Warn("exemplar lookup failed, answering without examples", zap.Error(err))
		set = conversation.ExemplarSet{}
	}
	history, err := s.memory.ReadContext(ctx, req.UserID, req.ConversationID)
	if err != nil {
		log.Warn("conversation context unavailable", zap.Error(err))
		history = nil
	}
	var chunks []string
	if s.knowledge != nil {
		chunks, err = s.knowledge.Relevant(ctx, question)
		if err != nil {
			log.Warn("knowledge lookup failed, answering without reference chunks", zap.Error(err))
			chunks = nil
		}
	}

	mode := "basic"
	prompt := BasicPrompt(history, chunks, req.Analysis, question)
	if !set.Empty() {
		mode = "exemplars"
		prompt = ExamplesPrompt(history, set, chunks, req.Analysis, question)
	}
	span.SetAttributes(
		attribute.String("prompt.mode", mode),
		attribute.Int("history.turns", len(history)),
		attribute.Int("knowledge.chunks", len(chunks)),
	)

	raw, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		asksTotal.WithLabelValues(mode, "generator_error").Inc()
		span.SetStatus(codes.Error, err.Error())
		log.Error("generation failed", zap.Error(err))
		return Response{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	answer, strategy, err := parser.ParseAnswer(raw)
	if err != nil {
		asksTotal.WithLabelValues(mode, "parse_error").Inc()
		span.SetStatus(codes.Error, err.Error())
		log.Error("model output not parseable", zap.Error(err))
		return Response{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	appended, err := s.memory.Append(ctx, req.UserID, req.SessionID, question, answer.String())
	if err != nil {
		asksTotal.WithLabelValues(mode, "store_error").Inc()
		return Response{}, err
	}
	if !appended.Durable {
		log.Warn("answer held in memory only, archive unavailable",
			zap.String("record_id", appended.Record.ID))
	}

	asksTotal.WithLabelValues(mode, "answered").Inc()
	return Response{
		Answer:     answer,
		Record:     appended.Record,
		Durable:    appended.Durable,
		HasHistory: !set.Empty(),
		Strategy:   strategy,
	}, nil
}
