package feedback

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
)

const improvementInstructions = `You are a reconciliation analysis assistant. The user was not satisfied with your previous response and provided feedback.
Improve your response based on their feedback.

Provide your improved answer in plain text without markdown formatting, bold text or special characters. Use simple, clear language.

Instructions:
- Address the specific issues mentioned in the user feedback
- Be more detailed if the feedback says information was missing
- Be more concise if the feedback says the answer was too long
- Correct any inaccuracies mentioned in the feedback`

// ImprovementPrompt builds the regeneration prompt. prior holds earlier
// improvements on similar questions.
func ImprovementPrompt(question, original, feedbackText string, prior []conversation.Improvement) string {
	var b strings.Builder
	b.WriteString(improvementInstructions)

	if len(prior) > 0 {
		b.WriteString("\n\nLearn from previous improvements:\n")
		for _, p := range prior {
			b.WriteString("Q: ")
			b.WriteString(p.Question)
			b.WriteString("\nFeedback: ")
			b.WriteString(p.FeedbackText)
			b.WriteString("\nImproved Answer: ")
			b.WriteString(p.ImprovedAnswer)
			b.WriteString("\n\n")
		}
	}

	b.WriteString("\n\nOriginal Question: ")
	b.WriteString(question)
	b.WriteString("\nPrevious Response: ")
	b.WriteString(original)
	b.WriteString("\nUser Feedback: ")
	b.WriteString(feedbackText)
	b.WriteString("\n\nImproved Answer:")
	return b.String()
}

var (
	fenceMarker = regexp.MustCompile("```[A-Za-z0-9_-]*")
	emphasis    = strings.NewReplacer("**", "", "*", "", "###", "", "##", "", "#", "")
)

// Sanitize strips markdown emphasis, heading markers and code fences.
func Sanitize(text string) string {
	text = fenceMarker.ReplaceAllString(text, "")
	return strings.TrimSpace(emphasis.Replace(text))
}
