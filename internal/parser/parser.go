// Package parser recovers structured JSON documents from free-form model
// output and normalizes the loosely shaped answers into a fixed form.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Strategy names the extraction step that produced a document.
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyFenced Strategy = "fenced"
	StrategyBraces Strategy = "braces"
)

// ErrParseFailure is the sentinel every *ParseError unwraps to.
var ErrParseFailure = errors.New("could not interpret model output")

// ParseError carries the raw text and why each strategy failed.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failure: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrParseFailure
}

// Document is a JSON object or array recovered from raw text.
type Document struct {
	Raw      json.RawMessage
	Strategy Strategy
}

// Decode unmarshals the document into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal(d.Raw, v); err != nil {
		return &ParseError{Raw: string(d.Raw), Reason: err.Error()}
	}
	return nil
}

// Value decodes the document into generic JSON values.
func (d *Document) Value() (any, error) {
	var v any
	err := d.Decode(&v)
	return v, err
}

var fencePattern = regexp.MustCompile("(?is)```json\\s*(.*?)```")

var strategies = []struct {
	name    Strategy
	extract func(string) (string, bool)
}{
	{StrategyDirect, func(s string) (string, bool) { return s, true }},
	{StrategyFenced, fencedBlock},
	{StrategyBraces, balancedObject},
}

// Parse tries, in order: the whole text, the first ```json fenced block,
// then the first balanced {...} span. It never panics; failure is a
// *ParseError.
func Parse(raw string) (*Document, error) {
	reasons := make([]string, 0, len(strategies))
	for _, st := range strategies {
		candidate, ok := st.extract(raw)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("%s: no candidate", st.name))
			continue
		}
		doc, err := parseCandidate(candidate)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", st.name, err))
			continue
		}
		return record(doc, st.name), nil
	}

	parseOutcomes.WithLabelValues("failure").Inc()
	return nil, &ParseError{Raw: raw, Reason: strings.Join(reasons, "; ")}
}

func fencedBlock(s string) (string, bool) {
	m := fencePattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func record(raw json.RawMessage, s Strategy) *Document {
	parseOutcomes.WithLabelValues(string(s)).Inc()
	return &Document{Raw: raw, Strategy: s}
}

// parseCandidate accepts only objects and arrays; bare scalars are prose.
func parseCandidate(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty input")
	}
	if s[0] != '{' && s[0] != '[' {
		return nil, fmt.Errorf("unexpected leading %q", s[0])
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

// balancedObject returns the span from the first '{' to its matching '}'.
// Braces inside string literals are ignored.
func balancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
