package conversation

import (
	"time"
)

// Rating bounds and the exemplar polarity thresholds.
const (
	MinRating = 1
	MaxRating = 5

	// GoodRating is the lowest rating counted as a good exemplar.
	GoodRating = 4
	// BadRating is the highest rating counted as a bad exemplar.
	BadRating = 2
)

// Record is a single question/answer exchange for one user.
//
// ID, UserID, SessionID, Question and CreatedAt never change after
// creation. Rating, FeedbackText, ImprovedAnswer and RatedAt are set
// together, once.
type Record struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SessionID      string     `json:"session_id"`
	Question       string     `json:"question"`
	Answer         string     `json:"answer"`
	CreatedAt      time.Time  `json:"created_at"`
	Rating         *int       `json:"rating,omitempty"`
	FeedbackText   string     `json:"feedback_text,omitempty"`
	ImprovedAnswer string     `json:"improved_answer,omitempty"`
	RatedAt        *time.Time `json:"rated_at,omitempty"`
}

// Rated reports whether feedback has been recorded.
func (r *Record) Rated() bool {
	return r.Rating != nil
}

// RatingValue returns the rating, or 0 when unrated.
func (r *Record) RatingValue() int {
	if r.Rating == nil {
		return 0
	}
	return *r.Rating
}

// Matches reports whether r is an exact content match for question and answer.
func (r *Record) Matches(question, answer string) bool {
	return r.Question == question && r.Answer == answer
}

// Clone returns a deep copy, so callers never share the rating pointer.
func (r Record) Clone() Record {
	if r.Rating != nil {
		v := *r.Rating
		r.Rating = &v
	}
	if r.RatedAt != nil {
		t := *r.RatedAt
		r.RatedAt = &t
	}
	return r
}

// Turns returns the record as a one-turn conversation.
func (r *Record) Turns() []Turn {
	return []Turn{{RecordID: r.ID, Question: r.Question, Answer: r.Answer, CreatedAt: r.CreatedAt}}
}

// Turn is one question/answer pair in a context window.
type Turn struct {
	RecordID  string    `json:"record_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Feedback is a rating event.
type Feedback struct {
	Rating         int
	FeedbackText   string
	ImprovedAnswer string
}

// Apply sets the feedback fields on r.
func (f Feedback) Apply(r *Record, at time.Time) {
	r.Rating = IntPtr(f.Rating)
	r.FeedbackText = f.FeedbackText
	r.ImprovedAnswer = f.ImprovedAnswer
	r.RatedAt = &at
}

// Validate checks the rating range.
func (f Feedback) Validate() error {
	if f.Rating < MinRating || f.Rating > MaxRating {
		return ErrInvalidRating
	}
	return nil
}

// Exemplar is a past rated record chosen to guide generation.
type Exemplar struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// ExemplarSet holds at most one good and one bad exemplar. A slot with no
// match is nil.
type ExemplarSet struct {
	Good *Exemplar `json:"good,omitempty"`
	Bad  *Exemplar `json:"bad,omitempty"`
}

// Empty reports whether neither slot is filled.
func (s ExemplarSet) Empty() bool {
	return s.Good == nil && s.Bad == nil
}

// Improvement is a prior (question, feedback, improved answer) triple.
type Improvement struct {
	Question       string `json:"question"`
	FeedbackText   string `json:"feedback_text"`
	ImprovedAnswer string `json:"improved_answer"`
}

// AppendResult is the outcome of an append. Durable is false when the
// record only reached the in-memory tier.
type AppendResult struct {
	Record  Record `json:"record"`
	Durable bool   `json:"durable"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
