package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		strategy Strategy
		want     map[string]any
	}{
		{
			name:     "clean document",
			raw:      `{"a": 1, "b": "two"}`,
			strategy: StrategyDirect,
			want:     map[string]any{"a": float64(1), "b": "two"},
		},
		{
			name:     "surrounding whitespace",
			raw:      "\n\t {\"a\": true}  \n",
			strategy: StrategyDirect,
			want:     map[string]any{"a": true},
		},
		{
			name:     "fenced block after prose",
			raw:      "Here is the analysis:\n```json\n{\"a\": {\"b\": [1, 2]}}\n```\nLet me know.",
			strategy: StrategyFenced,
			want:     map[string]any{"a": map[string]any{"b": []any{float64(1), float64(2)}}},
		},
		{
			name:     "uppercase fence tag",
			raw:      "```JSON\n{\"x\": \"y\"}\n```",
			strategy: StrategyFenced,
			want:     map[string]any{"x": "y"},
		},
		{
			name:     "nested object with trailing prose",
			raw:      `Sure! {"outer": {"inner": {"deep": 1}}, "k": "v"} Hope this helps {not json}`,
			strategy: StrategyBraces,
			want: map[string]any{
				"outer": map[string]any{"inner": map[string]any{"deep": float64(1)}},
				"k":     "v",
			},
		},
		{
			name:     "braces inside strings",
			raw:      `Result: {"text": "use } and { freely", "n": 2} done`,
			strategy: StrategyBraces,
			want:     map[string]any{"text": "use } and { freely", "n": float64(2)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.strategy, doc.Strategy)

			got, err := doc.Value()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_SerializedValueRecovers(t *testing.T) {
	x := map[string]any{
		"query_results": []any{
			map[string]any{"Response": "Entry 42 exceeds the threshold", "Relevant_JE_IDs": []any{"42"}},
		},
		"count": float64(1),
	}
	data, err := json.Marshal(x)
	require.NoError(t, err)

	for _, raw := range []string{
		string(data),
		"```json\n" + string(data) + "\n```",
		"The answer follows. " + string(data) + " That is all.",
	} {
		doc, err := Parse(raw)
		require.NoError(t, err)
		got, err := doc.Value()
		require.NoError(t, err)
		assert.Equal(t, x, got)
	}
}

func TestParse_Failures(t *testing.T) {
	for _, raw := range []string{
		"not json at all",
		"",
		"42",
		`"just a string"`,
		"{ unbalanced",
		"prefix {\"a\": } suffix",
	} {
		doc, err := Parse(raw)
		assert.Nil(t, doc, raw)
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, ErrParseFailure)

		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, raw, pe.Raw)
		assert.NotEmpty(t, pe.Reason)
	}
}

func TestParse_FencedBlockInvalidFallsBackToBraces(t *testing.T) {
	raw := "```json\n{broken\n```\nretry: {\"ok\": 1}"
	doc, err := Parse(raw)
	// The first '{' opens the broken fenced block and never balances to a
	// valid document, so recovery is not possible here.
	require.Error(t, err)
	assert.Nil(t, doc)

	raw = "{\"ok\": 1} and ```json\n{broken\n```"
	doc, err = Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, StrategyBraces, doc.Strategy)
}

func TestBalancedObject(t *testing.T) {
	span, ok := balancedObject(`a {"b": {"c": "\"}"}} z`)
	require.True(t, ok)
	assert.Equal(t, `{"b": {"c": "\"}"}}`, span)

	_, ok = balancedObject("no braces")
	assert.False(t, ok)
}
