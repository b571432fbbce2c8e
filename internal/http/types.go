package http

import (
	"github.com/fyrsmithlabs/reconmem/internal/chat"
	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/knowledge"
	"github.com/fyrsmithlabs/reconmem/internal/parser"
)

// ChatResponse is the response body for POST /api/v1/chat.
type ChatResponse struct {
	RecordID   string          `json:"record_id"`
	Answer     parser.Answer   `json:"answer"`
	Durable    bool            `json:"durable"`
	HasHistory bool            `json:"has_history"`
	Strategy   parser.Strategy `json:"strategy"`
}

func chatResponse(r chat.Response) ChatResponse {
	return ChatResponse{
		RecordID:   r.Record.ID,
		Answer:     r.Answer,
		Durable:    r.Durable,
		HasHistory: r.HasHistory,
		Strategy:   r.Strategy,
	}
}

// ContextResponse is the response body for GET /api/v1/context.
type ContextResponse struct {
	Turns []conversation.Turn `json:"turns"`
}

// FeedbackRequest is the request body for POST /api/v1/feedback. When
// RecordID is set it takes precedence over the question/answer match.
type FeedbackRequest struct {
	UserID         string `json:"user_id"`
	RecordID       string `json:"record_id,omitempty"`
	Question       string `json:"question"`
	OriginalAnswer string `json:"original_answer"`
	Rating         int    `json:"rating"`
	FeedbackText   string `json:"feedback_text,omitempty"`
}

// FeedbackResponse is the response body for POST /api/v1/feedback.
type FeedbackResponse struct {
	RecordID       string `json:"record_id"`
	Rating         int    `json:"rating"`
	ImprovedAnswer string `json:"improved_answer,omitempty"`
}

// ParseRequest is the request body for POST /api/v1/parse.
type ParseRequest struct {
	Raw string `json:"raw"`
}

// ParseResponse is the response body for POST /api/v1/parse.
type ParseResponse struct {
	Answer   parser.Answer   `json:"answer"`
	Strategy parser.Strategy `json:"strategy"`
}

// KnowledgeRequest is the request body for POST /api/v1/knowledge. Text
// replaces whatever Source held before.
type KnowledgeRequest struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// KnowledgeResponse is the response body for POST /api/v1/knowledge.
type KnowledgeResponse struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
}

// KnowledgeListResponse is the response body for GET /api/v1/knowledge.
type KnowledgeListResponse struct {
	Sources []knowledge.Source `json:"sources"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Archive string `json:"archive"`
}

// ErrorResponse carries a user-facing error message.
type ErrorResponse struct {
	Error string `json:"error"`
}
