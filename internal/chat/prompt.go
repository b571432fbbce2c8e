package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
)

// NoContextAnswer is the exact reply required when the analysis does not
// support an answer.
const NoContextAnswer = "I don't have enough context to answer this question."

const guardrails = `CRITICAL GUARDRAILS:
- ONLY use information from the provided context to answer questions
- If the context doesn't contain enough information to answer the question, respond EXACTLY with: "` + NoContextAnswer + `"
- DO NOT use external knowledge or general information not present in the context
- DO NOT make assumptions or provide generic answers`

const basicPreamble = `You are an accounts expert analyzing journal entries and reconciliations. Answer questions based on the provided context and recent conversation history.

` + guardrails + `

Instructions:
- Answer the question using the information from the context below
- Be concise and accurate
- If the user asks a follow-up such as "tell me more", use the conversation history to work out which item they mean`

const examplesPreamble = `You are an accounts expert analyzing journal entries and reconciliations. Below are similar questions with their answers, user ratings and feedback. Learn from them to give the best possible answer.

` + guardrails + `

Instructions:
- Learn from GOOD examples (high ratings) and avoid the mistakes of BAD examples (low ratings)
- For high-rated examples follow their approach, style and completeness
- For low-rated examples use the user feedback to understand what went wrong
- Prefer improved answers as the best examples when available
- Use the context provided for accurate information`

const outputFormat = `Return JSON with this EXACT structure:
{
  "query_results": [{
    "Response": "Your natural language answer here",
    "Contributing_Factors": "Comma-separated factors like: Amount Threshold, Manual Entry, Reconciliation Issue",
    "Relevant_JE_IDs": "Comma-separated JE IDs if specific data is requested"
  }]
}

Contributing_Factors must be a STRING (comma-separated), NOT an object or list.`

// BasicPrompt is used when no rated exemplar resembles the question.
// knowledge holds reference chunks quoted ahead of the analysis.
func BasicPrompt(history []conversation.Turn, knowledge []string, analysis Analysis, question string) string {
	var b strings.Builder
	b.WriteString(basicPreamble)
	writeHistory(&b, history)
	writeContext(&b, knowledge, analysis)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\n")
	b.WriteString(outputFormat)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// ExamplesPrompt teaches from the good and bad exemplars of set.
func ExamplesPrompt(history []conversation.Turn, set conversation.ExemplarSet, knowledge []string, analysis Analysis, question string) string {
	var b strings.Builder
	b.WriteString(examplesPreamble)

	b.WriteString("\n\nSimilar conversation examples to learn from:\n")
	for _, ex := range []*conversation.Exemplar{set.Good, set.Bad} {
		if ex != nil {
			writeExemplar(&b, ex.Record)
		}
	}

	writeHistory(&b, history)
	writeContext(&b, knowledge, analysis)
	b.WriteString("\n\nCurrent Question: ")
	b.WriteString(question)
	b.WriteString("\n\n")
	b.WriteString(outputFormat)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

func writeExemplar(b *strings.Builder, rec conversation.Record) {
	label := "Example"
	switch rating := rec.RatingValue(); {
	case rating >= conversation.GoodRating:
		label = "Good Example"
	case rating <= conversation.BadRating:
		label = "Bad Example"
	}
	fmt.Fprintf(b, "%s (Rating: %d/5):\nQ: %s\nA: %s\n", label, rec.RatingValue(), rec.Question, rec.Answer)
	if rec.FeedbackText != "" {
		fmt.Fprintf(b, "User Feedback: %s\n", rec.FeedbackText)
	}
	if rec.ImprovedAnswer != "" {
		fmt.Fprintf(b, "Improved Answer: %s\n", rec.ImprovedAnswer)
	}
	b.WriteString("\n")
}

func writeHistory(b *strings.Builder, history []conversation.Turn) {
	if len(history) == 0 {
		return
	}
	b.WriteString("\n\nRecent conversation history:\n")
	for _, t := range history {
		fmt.Fprintf(b, "Q: %s\nA: %s\n\n", t.Question, t.Answer)
	}
}

func writeContext(b *strings.Builder, knowledge []string, a Analysis) {
	b.WriteString("\n\nContext:\n")
	if len(knowledge) == 0 && a.Empty() {
		b.WriteString("No specific context available.")
		return
	}
	if len(knowledge) > 0 {
		b.WriteString(strings.Join(knowledge, "\n"))
		if a.Empty() {
			return
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "- Flagged Items: %s\n", rawOrEmpty(a.Flagged))
	fmt.Fprintf(b, "- Clean Items: %s\n", rawOrEmpty(a.Clean))
	fmt.Fprintf(b, "- ML Flagged: %s", rawOrEmpty(a.MLFlagged))
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "[]"
	}
	return string(raw)
}
