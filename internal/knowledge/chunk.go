package knowledge

import "strings"

// Chunk splits text into overlapping windows of size sentences, advancing
// size-overlap sentences per window. Sentences end at '.'; their periods
// are dropped and windows are rejoined with ". ". Trailing windows shorter
// than size are kept.
func Chunk(text string, size, overlap int) []string {
	if size < 1 {
		size = 1
	}
	step := size - overlap
	if step < 1 {
		step = 1
	}

	var sentences []string
	for _, s := range strings.Split(text, ".") {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}

	var chunks []string
	for i := 0; i < len(sentences); i += step {
		end := i + size
		if end > len(sentences) {
			end = len(sentences)
		}
		chunks = append(chunks, strings.Join(sentences[i:end], ". "))
	}
	return chunks
}
