package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/generation"
	"github.com/fyrsmithlabs/reconmem/internal/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemory struct {
	mu       sync.Mutex
	history  []conversation.Turn
	appended []conversation.Record
	durable  bool
	err      error
}

func (m *fakeMemory) ReadContext(context.Context, string, string) ([]conversation.Turn, error) {
	return m.history, nil
}

func (m *fakeMemory) Append(_ context.Context, userID, sessionID, question, answer string) (conversation.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return conversation.AppendResult{}, m.err
	}
	rec := conversation.Record{
		ID:        "rec-" + question,
		UserID:    userID,
		SessionID: sessionID,
		Question:  question,
		Answer:    answer,
		CreatedAt: time.Now().UTC(),
	}
	m.appended = append(m.appended, rec)
	return conversation.AppendResult{Record: rec, Durable: m.durable}, nil
}

type fakeExemplars struct {
	set conversation.ExemplarSet
	err error
}

func (f *fakeExemplars) FindExemplars(context.Context, string, string, int) (conversation.ExemplarSet, error) {
	return f.set, f.err
}

const structured = "Here you go:\n```json\n{\"query_results\": [{\"Response\": \"JE-1 exceeds the threshold\", \"Contributing_Factors\": \"Amount Threshold\", \"Relevant_JE_IDs\": \"JE-1\"}]}\n```"

func newService(t *testing.T, mem *fakeMemory, ex *fakeExemplars, gen generation.Func) *Service {
	t.Helper()
	svc, err := NewService(mem, ex, gen, 0, nil)
	require.NoError(t, err)
	return svc
}

func TestAsk_BasicPrompt(t *testing.T) {
	mem := &fakeMemory{durable: true, history: []conversation.Turn{{Question: "earlier q", Answer: "earlier a"}}}
	var prompt string
	svc := newService(t, mem, &fakeExemplars{}, func(_ context.Context, p string) (string, error) {
		prompt = p
		return structured, nil
	})

	res, err := svc.Ask(context.Background(), Request{
		UserID:    "u1",
		SessionID: "s1",
		Question:  "Which entries exceed the threshold?",
		Analysis:  Analysis{Flagged: json.RawMessage(`[{"JE_ID":"JE-1"}]`)},
	})
	require.NoError(t, err)

	assert.Equal(t, "JE-1 exceeds the threshold", res.Answer.Text)
	assert.Equal(t, parser.StrategyFenced, res.Strategy)
	assert.True(t, res.Durable)
	assert.False(t, res.HasHistory)

	assert.Contains(t, prompt, "Recent conversation history:\nQ: earlier q\nA: earlier a")
	assert.Contains(t, prompt, `- Flagged Items: [{"JE_ID":"JE-1"}]`)
	assert.Contains(t, prompt, "- Clean Items: []")
	assert.Contains(t, prompt, "Question: Which entries exceed the threshold?")
	assert.NotContains(t, prompt, "Similar conversation examples")

	require.Len(t, mem.appended, 1)
	assert.Equal(t, res.Answer.String(), mem.appended[0].Answer)
}

func TestAsk_ExamplesPrompt(t *testing.T) {
	good := conversation.Record{Question: "good q", Answer: "good a", Rating: conversation.IntPtr(5)}
	bad := conversation.Record{Question: "bad q", Answer: "bad a", Rating: conversation.IntPtr(1),
		FeedbackText: "wrong entry", ImprovedAnswer: "right entry"}
	ex := &fakeExemplars{set: conversation.ExemplarSet{
		Good: &conversation.Exemplar{Record: good, Score: 0.9},
		Bad:  &conversation.Exemplar{Record: bad, Score: 0.8},
	}}

	var prompt string
	svc := newService(t, &fakeMemory{durable: true}, ex, func(_ context.Context, p string) (string, error) {
		prompt = p
		return structured, nil
	})

	res, err := svc.Ask(context.Background(), Request{UserID: "u1", Question: "q", AdditionalContext: "Q3 only"})
	require.NoError(t, err)
	assert.True(t, res.HasHistory)
	assert.Equal(t, "q. Additional context: Q3 only", res.Record.Question)

	assert.Contains(t, prompt, "Good Example (Rating: 5/5):\nQ: good q\nA: good a\n")
	assert.Contains(t, prompt, "Bad Example (Rating: 1/5):\nQ: bad q\nA: bad a\nUser Feedback: wrong entry\nImproved Answer: right entry\n")
	assert.Contains(t, prompt, "Current Question: q. Additional context: Q3 only")
	assert.Contains(t, prompt, "No specific context available.")
}

func TestAsk_GeneratorFailure(t *testing.T) {
	mem := &fakeMemory{durable: true}
	svc := newService(t, mem, &fakeExemplars{}, func(context.Context, string) (string, error) {
		return "", conversation.ErrCollaboratorUnavailable
	})

	_, err := svc.Ask(context.Background(), Request{UserID: "u1", Question: "q"})
	require.ErrorIs(t, err, ErrNoResponse)
	assert.ErrorIs(t, err, conversation.ErrCollaboratorUnavailable)
	assert.Empty(t, mem.appended)
}

func TestAsk_ParseFailure(t *testing.T) {
	mem := &fakeMemory{durable: true}
	svc := newService(t, mem, &fakeExemplars{}, func(context.Context, string) (string, error) {
		return "I am not JSON at all", nil
	})

	_, err := svc.Ask(context.Background(), Request{UserID: "u1", Question: "q"})
	require.ErrorIs(t, err, ErrNoResponse)
	assert.ErrorIs(t, err, parser.ErrParseFailure)
	assert.Equal(t, "could not generate a response", ErrNoResponse.Error())
	assert.Empty(t, mem.appended)
}

func TestAsk_ExemplarFailureFallsBackToBasic(t *testing.T) {
	var prompt string
	svc := newService(t, &fakeMemory{durable: true}, &fakeExemplars{err: errors.New("index down")},
		func(_ context.Context, p string) (string, error) {
			prompt = p
			return structured, nil
		})

	res, err := svc.Ask(context.Background(), Request{UserID: "u1", Question: "q"})
	require.NoError(t, err)
	assert.False(t, res.HasHistory)
	assert.Contains(t, prompt, "Question: q")
}

func TestAsk_Validation(t *testing.T) {
	svc := newService(t, &fakeMemory{}, &fakeExemplars{}, func(context.Context, string) (string, error) {
		t.Fatal("generator must not be called")
		return "", nil
	})

	_, err := svc.Ask(context.Background(), Request{Question: "q"})
	assert.ErrorIs(t, err, conversation.ErrEmptyUserID)

	_, err = svc.Ask(context.Background(), Request{UserID: "u1", Question: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestAsk_NotDurable(t *testing.T) {
	svc := newService(t, &fakeMemory{durable: false}, &fakeExemplars{}, func(context.Context, string) (string, error) {
		return structured, nil
	})

	res, err := svc.Ask(context.Background(), Request{UserID: "u1", Question: "q"})
	require.NoError(t, err)
	assert.False(t, res.Durable)
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(nil, nil, nil, 0, nil)
	assert.Error(t, err)
}

type fakeKnowledge struct {
	chunks   []string
	err      error
	question string
}

func (f *fakeKnowledge) Relevant(_ context.Context, question string) ([]string, error) {
	f.question = question
	return f.chunks, f.err
}

func TestAsk_KnowledgeChunksInContext(t *testing.T) {
	kb := &fakeKnowledge{chunks: []string{"Manual entries above 500 EUR need review", "Reviews close weekly"}}
	var prompt string
	svc, err := NewService(&fakeMemory{durable: true}, &fakeExemplars{},
		generation.Func(func(_ context.Context, p string) (string, error) {
			prompt = p
			return structured, nil
		}), 0, nil, WithKnowledge(kb))
	require.NoError(t, err)

	_, err = svc.Ask(context.Background(), Request{
		UserID:            "u1",
		Question:          "Which entries need review?",
		AdditionalContext: "manual only",
		Analysis:          Analysis{Flagged: json.RawMessage(`["JE-9"]`)},
	})
	require.NoError(t, err)

	assert.Equal(t, "Which entries need review?. Additional context: manual only", kb.question)
	assert.Contains(t, prompt, "Context:\nManual entries above 500 EUR need review\nReviews close weekly\n- Flagged Items: [\"JE-9\"]")
	assert.NotContains(t, prompt, "No specific context available.")
}

func TestAsk_KnowledgeFailureAnswersWithoutChunks(t *testing.T) {
	kb := &fakeKnowledge{chunks: []string{"ignored"}, err: errors.New("index down")}
	var prompt string
	svc, err := NewService(&fakeMemory{durable: true}, &fakeExemplars{},
		generation.Func(func(_ context.Context, p string) (string, error) {
			prompt = p
			return structured, nil
		}), 0, nil, WithKnowledge(kb))
	require.NoError(t, err)

	_, err = svc.Ask(context.Background(), Request{UserID: "u1", Question: "q"})
	require.NoError(t, err)
	assert.NotContains(t, prompt, "ignored")
	assert.Contains(t, prompt, "Context:\nNo specific context available.")
}

func TestWriteContext(t *testing.T) {
	tests := []struct {
		name      string
		knowledge []string
		analysis  Analysis
		want      string
	}{
		{
			name: "nothing",
			want: "\n\nContext:\nNo specific context available.",
		},
		{
			name:      "knowledge only",
			knowledge: []string{"a", "b"},
			want:      "\n\nContext:\na\nb",
		},
		{
			name:     "analysis only",
			analysis: Analysis{Clean: json.RawMessage(`[1]`)},
			want:     "\n\nContext:\n- Flagged Items: []\n- Clean Items: [1]\n- ML Flagged: []",
		},
		{
			name:      "both",
			knowledge: []string{"a"},
			analysis:  Analysis{MLFlagged: json.RawMessage(`[2]`)},
			want:      "\n\nContext:\na\n- Flagged Items: []\n- Clean Items: []\n- ML Flagged: [2]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b strings.Builder
			writeContext(&b, tt.knowledge, tt.analysis)
			assert.Equal(t, tt.want, b.String())
		})
	}
}
