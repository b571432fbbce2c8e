// Package generation calls an OpenAI-compatible chat completion endpoint.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/config"
	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTimeout     = 60 * time.Second
	defaultRateLimit   = 2.0
	defaultBurst       = 4
	defaultMaxRetries  = 3
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxTokens   = 1024
)

var tracer = otel.Tracer("reconmem.generation")

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Config configures the OpenAI client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	RateLimit   float64
	Burst       int
	MaxRetries  int
	MaxTokens   int
	Temperature float32
}

// ConfigFromApp maps the generator section of the application config.
func ConfigFromApp(g config.GeneratorConfig) Config {
	return Config{
		BaseURL:     g.BaseURL,
		APIKey:      g.APIKey.Value(),
		Model:       g.Model,
		Timeout:     g.Timeout.Duration(),
		RateLimit:   g.RateLimit,
		Burst:       g.Burst,
		MaxRetries:  g.MaxRetries,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
	}
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
}

// OpenAI implements Generator with go-openai.
type OpenAI struct {
	client  *openai.Client
	config  Config
	limiter *rate.Limiter
	backoff time.Duration
	logger  *zap.Logger
}

// NewOpenAI creates a generator. An API key is required unless BaseURL
// points at a self-hosted endpoint.
func NewOpenAI(cfg Config, logger *zap.Logger) (*OpenAI, error) {
	cfg.applyDefaults()
	if cfg.APIKey == "" && (cfg.BaseURL == "" || strings.Contains(cfg.BaseURL, "api.openai.com")) {
		return nil, fmt.Errorf("generator API key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		backoff: defaultBaseBackoff,
		logger:  logger,
	}, nil
}

// Generate sends prompt as a single user message. Transient failures
// (429, 5xx, transport errors) are retried with exponential backoff.
// Every failure wraps conversation.ErrCollaboratorUnavailable.
func (g *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAI.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", g.config.Model),
		attribute.Int("prompt_chars", len(prompt)),
	)

	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limiter: %v", conversation.ErrCollaboratorUnavailable, err)
	}

	req := openai.ChatCompletionRequest{
		Model:       g.config.Model,
		MaxTokens:   g.config.MaxTokens,
		Temperature: g.config.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := g.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", conversation.ErrCollaboratorUnavailable, ctx.Err())
			}
		}

		text, err := g.complete(ctx, req)
		if err == nil {
			span.SetStatus(codes.Ok, "success")
			return text, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		g.logger.Debug("generation attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "generation failed")
	return "", fmt.Errorf("%w: %v", conversation.ErrCollaboratorUnavailable, lastErr)
}

func (g *OpenAI) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errEmptyResponse
	}
	return text, nil
}

var errEmptyResponse = errors.New("empty response from model")

// isRetryable reports whether err is worth another attempt.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return !errors.Is(err, errEmptyResponse)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

var _ Generator = (*OpenAI)(nil)
