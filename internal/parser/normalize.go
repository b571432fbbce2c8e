package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FlexText accepts a string, list, object, number or null and flattens it
// to a single string. Lists join with "; ", objects render as
// "key name: value" pairs in key order.
type FlexText string

func (f *FlexText) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FlexText(flatten(v))
	return nil
}

func flatten(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := flatten(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", strings.ReplaceAll(k, "_", " "), flatten(t[k])))
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(t)
	}
}

// QueryResult is one answer item as emitted by the generator.
type QueryResult struct {
	Query               FlexText `json:"Query"`
	Response            FlexText `json:"Response"`
	ContributingFactors FlexText `json:"Contributing_Factors"`
	RelevantIDs         FlexText `json:"Relevant_JE_IDs"`
}

// Detail is a flattened per-item explanation row.
type Detail map[string]string

func (d *Detail) UnmarshalJSON(data []byte) error {
	var raw map[string]FlexText
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Detail, len(raw))
	for k, v := range raw {
		out[k] = string(v)
	}
	*d = out
	return nil
}

// Response is the closed set of answer shapes: SingleResult, ResultList
// and NestedDetail.
type Response interface {
	isResponse()
}

// SingleResult is a lone answer object.
type SingleResult struct {
	Result QueryResult
}

// ResultList is a list of answers, possibly with explanation rows.
type ResultList struct {
	Results      []QueryResult
	Explanations []Detail
}

// NestedDetail is an answer carrying per-item details under "Details" or
// "Relevant_JE_Details".
type NestedDetail struct {
	Result  QueryResult
	Details []Detail
}

func (SingleResult) isResponse() {}
func (ResultList) isResponse()   {}
func (NestedDetail) isResponse() {}

type envelope struct {
	QueryResults json.RawMessage `json:"query_results"`
	Explanations []Detail        `json:"explanations"`
	Response     *FlexText       `json:"Response"`
	Query        *FlexText       `json:"Query"`
}

type nested struct {
	QueryResult
	Details       []Detail `json:"Details"`
	RelevantItems *Detail  `json:"Relevant_JE_Details"`
}

// Classify maps a parsed document onto one Response variant.
func Classify(doc *Document) (Response, error) {
	raw := json.RawMessage(strings.TrimSpace(string(doc.Raw)))
	if len(raw) > 0 && raw[0] == '[' {
		var results []QueryResult
		if err := json.Unmarshal(raw, &results); err != nil {
			return nil, &ParseError{Raw: string(raw), Reason: "result list: " + err.Error()}
		}
		return ResultList{Results: results}, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ParseError{Raw: string(raw), Reason: "envelope: " + err.Error()}
	}

	qr := json.RawMessage(strings.TrimSpace(string(env.QueryResults)))
	switch {
	case len(qr) > 0 && qr[0] == '[':
		var results []QueryResult
		if err := json.Unmarshal(qr, &results); err != nil {
			return nil, &ParseError{Raw: string(raw), Reason: "query_results: " + err.Error()}
		}
		return ResultList{Results: results, Explanations: env.Explanations}, nil

	case len(qr) > 0 && qr[0] == '{':
		var n nested
		if err := json.Unmarshal(qr, &n); err != nil {
			return nil, &ParseError{Raw: string(raw), Reason: "query_results: " + err.Error()}
		}
		details := append(n.Details, env.Explanations...)
		if n.RelevantItems != nil {
			details = append(details, *n.RelevantItems)
		}
		if len(details) > 0 {
			return NestedDetail{Result: n.QueryResult, Details: details}, nil
		}
		return SingleResult{Result: n.QueryResult}, nil

	case env.Response != nil || env.Query != nil:
		var single QueryResult
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, &ParseError{Raw: string(raw), Reason: "single result: " + err.Error()}
		}
		return SingleResult{Result: single}, nil

	case len(env.Explanations) > 0:
		return ResultList{Explanations: env.Explanations}, nil

	default:
		var d Detail
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, &ParseError{Raw: string(raw), Reason: "detail: " + err.Error()}
		}
		return NestedDetail{Details: []Detail{d}}, nil
	}
}

// NoResultsText is the answer used when a response carries no content.
const NoResultsText = "No specific results found in the analysis."

// Answer is the canonical form every Response variant normalizes to.
type Answer struct {
	Text                string   `json:"text"`
	ContributingFactors string   `json:"contributing_factors,omitempty"`
	RelevantIDs         string   `json:"relevant_ids,omitempty"`
	Details             []Detail `json:"details,omitempty"`
}

// Normalize folds any Response variant into an Answer.
func Normalize(r Response) Answer {
	var results []QueryResult
	var details []Detail
	switch v := r.(type) {
	case SingleResult:
		results = []QueryResult{v.Result}
	case ResultList:
		results, details = v.Results, v.Explanations
	case NestedDetail:
		results, details = []QueryResult{v.Result}, v.Details
	}

	var texts, factors, ids []string
	for _, qr := range results {
		texts = appendNonEmpty(texts, string(qr.Response))
		factors = appendNonEmpty(factors, string(qr.ContributingFactors))
		ids = appendNonEmpty(ids, string(qr.RelevantIDs))
	}

	a := Answer{
		Text:                strings.Join(texts, "\n\n"),
		ContributingFactors: strings.Join(factors, "; "),
		RelevantIDs:         strings.Join(ids, "; "),
		Details:             details,
	}
	if a.Text == "" {
		a.Text = NoResultsText
	}
	return a
}

func appendNonEmpty(dst []string, s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "n/a") {
		return dst
	}
	return append(dst, s)
}

// String renders the answer as the plain text stored with a conversation.
func (a Answer) String() string {
	var b strings.Builder
	b.WriteString(a.Text)
	if a.ContributingFactors != "" {
		b.WriteString("\n\nContributing factors: ")
		b.WriteString(a.ContributingFactors)
	}
	if a.RelevantIDs != "" {
		b.WriteString("\nRelevant IDs: ")
		b.WriteString(a.RelevantIDs)
	}
	return b.String()
}

// ParseAnswer runs Parse, Classify and Normalize in one step.
func ParseAnswer(raw string) (Answer, Strategy, error) {
	doc, err := Parse(raw)
	if err != nil {
		return Answer{}, "", err
	}
	resp, err := Classify(doc)
	if err != nil {
		return Answer{}, doc.Strategy, err
	}
	return Normalize(resp), doc.Strategy, nil
}
