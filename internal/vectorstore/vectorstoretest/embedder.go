// Package vectorstoretest provides a deterministic embedder for tests.
package vectorstoretest

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// WordEmbedder hashes words into a fixed-size bag-of-words vector, so texts
// sharing words are close. Set Err to make every call fail.
type WordEmbedder struct {
	Dim int

	mu    sync.Mutex
	err   error
	calls int
}

// NewWordEmbedder returns an embedder producing dim-sized vectors.
func NewWordEmbedder(dim int) *WordEmbedder {
	return &WordEmbedder{Dim: dim}
}

// SetErr makes subsequent calls fail with err (nil restores success).
func (e *WordEmbedder) SetErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Calls returns the number of EmbedDocuments calls.
func (e *WordEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *WordEmbedder) embed(text string) []float32 {
	v := make([]float32, e.Dim)
	v[0] = 0.1
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[1+int(h.Sum32()%uint32(e.Dim-1))] += 1
	}
	return v
}

func (e *WordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *WordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.embed(text), nil
}
