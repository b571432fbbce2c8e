package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_CloneDoesNotShareRating(t *testing.T) {
	r := Record{ID: "a", Rating: IntPtr(2)}
	c := r.Clone()
	*c.Rating = 5

	assert.Equal(t, 2, r.RatingValue())
	assert.Equal(t, 5, c.RatingValue())
}

func TestRecord_Rated(t *testing.T) {
	r := Record{Question: "q", Answer: "a"}
	assert.False(t, r.Rated())
	assert.Equal(t, 0, r.RatingValue())
	assert.True(t, r.Matches("q", "a"))
	assert.False(t, r.Matches("q", "b"))

	r.Rating = IntPtr(4)
	assert.True(t, r.Rated())
}

func TestFeedback_Validate(t *testing.T) {
	for _, rating := range []int{0, 6, -1} {
		assert.ErrorIs(t, Feedback{Rating: rating}.Validate(), ErrInvalidRating)
	}
	for rating := MinRating; rating <= MaxRating; rating++ {
		assert.NoError(t, Feedback{Rating: rating}.Validate())
	}
}

func TestExemplarSet_Empty(t *testing.T) {
	assert.True(t, ExemplarSet{}.Empty())
	assert.False(t, ExemplarSet{Bad: &Exemplar{}}.Empty())
}

func TestFeedback_Apply(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Record{ID: "a", Question: "q", Answer: "a"}

	Feedback{Rating: 2, FeedbackText: "too vague", ImprovedAnswer: "better"}.Apply(&r, at)

	assert.True(t, r.Rated())
	assert.Equal(t, 2, r.RatingValue())
	assert.Equal(t, "too vague", r.FeedbackText)
	assert.Equal(t, "better", r.ImprovedAnswer)
	require.NotNil(t, r.RatedAt)
	assert.Equal(t, at, *r.RatedAt)
}
