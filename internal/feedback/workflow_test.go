package feedback_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/reconmem/internal/archive/archivetest"
	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/events"
	"github.com/fyrsmithlabs/reconmem/internal/exemplar"
	"github.com/fyrsmithlabs/reconmem/internal/feedback"
	"github.com/fyrsmithlabs/reconmem/internal/generation"
	"github.com/fyrsmithlabs/reconmem/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds(kind events.Kind) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type scriptedGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (g *scriptedGenerator) generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return g.reply, g.err
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type harness struct {
	env       *archivetest.Env
	store     *memory.Store
	workflow  *feedback.Workflow
	generator *scriptedGenerator
	events    *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	env := archivetest.New(t)
	pub := &recordingPublisher{}

	store, err := memory.New(env.Archive, memory.DefaultConfig(), nil, memory.WithPublisher(pub))
	require.NoError(t, err)
	retriever, err := exemplar.New(env.Archive, store, 0, nil)
	require.NoError(t, err)

	gen := &scriptedGenerator{reply: "**Improved:** the threshold is 500 EUR"}
	wf, err := feedback.New(store, retriever, generation.Func(gen.generate), pub, feedback.Config{}, nil)
	require.NoError(t, err)

	return &harness{env: env, store: store, workflow: wf, generator: gen, events: pub}
}

func (h *harness) append(t *testing.T, question, answer string) conversation.Record {
	t.Helper()
	res, err := h.store.Append(context.Background(), "u1", "s1", question, answer)
	require.NoError(t, err)
	require.True(t, res.Durable)
	return res.Record
}

func TestSubmitFeedback_SecondSubmissionNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.append(t, "What is the threshold?", "500")

	req := feedback.Request{UserID: "u1", Question: "What is the threshold?", OriginalAnswer: "500", Rating: 5}
	res, err := h.workflow.SubmitFeedback(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, res.Record.ID)
	assert.Equal(t, 5, res.Record.RatingValue())
	assert.Empty(t, res.ImprovedAnswer)

	_, err = h.workflow.SubmitFeedback(ctx, req)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	assert.Zero(t, h.generator.calls())

	stored, err := h.env.Archive.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.RatingValue())
}

func TestSubmitFeedback_LowRatingImproves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.append(t, "What is the threshold?", "500")

	res, err := h.workflow.SubmitFeedback(ctx, feedback.Request{
		UserID:         "u1",
		Question:       "What is the threshold?",
		OriginalAnswer: "500",
		Rating:         2,
		FeedbackText:   "missing the currency",
	})
	require.NoError(t, err)
	assert.Equal(t, "Improved: the threshold is 500 EUR", res.ImprovedAnswer)
	assert.Equal(t, res.ImprovedAnswer, res.Record.ImprovedAnswer)

	require.Equal(t, 1, h.generator.calls())
	prompt := h.generator.prompts[0]
	assert.Contains(t, prompt, "Original Question: What is the threshold?")
	assert.Contains(t, prompt, "Previous Response: 500")
	assert.Contains(t, prompt, "User Feedback: missing the currency")

	stored, err := h.env.Archive.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "500", stored.Answer, "archive keeps the original answer")
	assert.Equal(t, "Improved: the threshold is 500 EUR", stored.ImprovedAnswer)

	hot := h.store.Hot(ctx, "u1")
	require.Len(t, hot, 1)
	assert.Equal(t, "Improved: the threshold is 500 EUR", hot[0].Answer)
	assert.Equal(t, 2, hot[0].RatingValue())

	rated := h.events.kinds(events.KindRated)
	require.Len(t, rated, 1)
	assert.Equal(t, rec.ID, rated[0].RecordID)
	assert.True(t, rated[0].Improved)
}

func TestSubmitFeedback_NoImprovementWithoutText(t *testing.T) {
	h := newHarness(t)
	h.append(t, "q", "a")

	res, err := h.workflow.SubmitFeedback(context.Background(), feedback.Request{
		UserID: "u1", Question: "q", OriginalAnswer: "a", Rating: 1, FeedbackText: "   ",
	})
	require.NoError(t, err)
	assert.Empty(t, res.ImprovedAnswer)
	assert.Zero(t, h.generator.calls())
}

func TestSubmitFeedback_GeneratorFailureStillRates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.append(t, "q", "a")
	h.generator.err = errors.New("model down")

	res, err := h.workflow.SubmitFeedback(ctx, feedback.Request{
		UserID: "u1", Question: "q", OriginalAnswer: "a", Rating: 1, FeedbackText: "wrong",
	})
	require.NoError(t, err)
	assert.Empty(t, res.ImprovedAnswer)

	stored, err := h.env.Archive.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RatingValue())
	assert.Equal(t, "wrong", stored.FeedbackText)
	assert.Empty(t, stored.ImprovedAnswer)
}

func TestSubmitFeedback_UsesPriorImprovements(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.append(t, "which invoices are unmatched", "none")
	_, err := h.workflow.SubmitFeedback(ctx, feedback.Request{
		UserID: "u1", Question: "which invoices are unmatched", OriginalAnswer: "none",
		Rating: 2, FeedbackText: "list them",
	})
	require.NoError(t, err)

	h.append(t, "which invoices are unmatched today", "none")
	h.generator.reply = "INV-7 and INV-9"
	res, err := h.workflow.SubmitFeedback(ctx, feedback.Request{
		UserID: "u1", Question: "which invoices are unmatched today", OriginalAnswer: "none",
		Rating: 3, FeedbackText: "still vague",
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-7 and INV-9", res.ImprovedAnswer)

	require.Equal(t, 2, h.generator.calls())
	prompt := h.generator.prompts[1]
	assert.Contains(t, prompt, "Learn from previous improvements:")
	assert.Contains(t, prompt, "Feedback: list them")
	assert.Contains(t, prompt, "Improved Answer: Improved: the threshold is 500 EUR")
}

func TestSubmitFeedback_HighRatingNeverImproves(t *testing.T) {
	h := newHarness(t)
	h.append(t, "q", "a")

	_, err := h.workflow.SubmitFeedback(context.Background(), feedback.Request{
		UserID: "u1", Question: "q", OriginalAnswer: "a", Rating: 4, FeedbackText: "could be shorter",
	})
	require.NoError(t, err)
	assert.Zero(t, h.generator.calls())
}

func TestSubmitFeedback_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.workflow.SubmitFeedback(ctx, feedback.Request{UserID: "u1", Question: "q", OriginalAnswer: "a", Rating: 6})
	assert.ErrorIs(t, err, conversation.ErrInvalidRating)

	_, err = h.workflow.SubmitFeedback(ctx, feedback.Request{Question: "q", OriginalAnswer: "a", Rating: 3})
	assert.ErrorIs(t, err, conversation.ErrEmptyUserID)

	_, err = h.workflow.SubmitFeedback(ctx, feedback.Request{UserID: "u1", Question: "never asked", OriginalAnswer: "a", Rating: 1, FeedbackText: "bad"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	assert.Zero(t, h.generator.calls(), "no generation for an exchange that cannot be rated")
}

func TestSubmitFeedbackByID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.append(t, "What is the threshold?", "500")

	res, err := h.workflow.SubmitFeedbackByID(ctx, "u1", rec.ID, 2, "add the currency")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, res.Record.ID)
	assert.NotEmpty(t, res.ImprovedAnswer)

	_, err = h.workflow.SubmitFeedbackByID(ctx, "u1", rec.ID, 2, "again")
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = h.workflow.SubmitFeedbackByID(ctx, "u2", rec.ID, 5, "")
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = h.workflow.SubmitFeedbackByID(ctx, "u1", "missing", 5, "")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	assert.Equal(t, 1, h.generator.calls())
}

func TestShouldImprove(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		rating int
		text   string
		want   bool
	}{
		{1, "wrong", true},
		{3, "too long", true},
		{4, "too long", false},
		{2, "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, h.workflow.ShouldImprove(tt.rating, tt.text), "rating %d text %q", tt.rating, tt.text)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := feedback.New(nil, nil, nil, nil, feedback.Config{}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "required"))
}
