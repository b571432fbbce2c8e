package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classify(t *testing.T, raw string) Response {
	t.Helper()
	doc, err := Parse(raw)
	require.NoError(t, err)
	resp, err := Classify(doc)
	require.NoError(t, err)
	return resp
}

func TestClassify_Variants(t *testing.T) {
	t.Run("result list", func(t *testing.T) {
		resp := classify(t, `{"query_results": [
			{"Response": "JE 7 is manual", "Contributing_Factors": "Manual Entry", "Relevant_JE_IDs": "7"},
			{"Response": "JE 9 is large", "Contributing_Factors": ["Amount Threshold", "Weekend"], "Relevant_JE_IDs": [9]}
		]}`)
		list, ok := resp.(ResultList)
		require.True(t, ok, "got %T", resp)
		require.Len(t, list.Results, 2)
		assert.Equal(t, FlexText("Amount Threshold; Weekend"), list.Results[1].ContributingFactors)
		assert.Equal(t, FlexText("9"), list.Results[1].RelevantIDs)
	})

	t.Run("single query_results object", func(t *testing.T) {
		resp := classify(t, `{"query_results": {"Response": "All clear", "Relevant_JE_IDs": "N/A"}}`)
		single, ok := resp.(SingleResult)
		require.True(t, ok, "got %T", resp)
		assert.Equal(t, FlexText("All clear"), single.Result.Response)
	})

	t.Run("nested details list", func(t *testing.T) {
		resp := classify(t, `{"query_results": {"Response": "Two issues", "Details": [
			{"JE_ID": "1", "Contributing_Factors": ["Late", "Manual"]},
			{"JE_ID": "2", "Issues": "Unreconciled"}
		]}}`)
		n, ok := resp.(NestedDetail)
		require.True(t, ok, "got %T", resp)
		require.Len(t, n.Details, 2)
		assert.Equal(t, "Late; Manual", n.Details[0]["Contributing_Factors"])
		assert.Equal(t, "Unreconciled", n.Details[1]["Issues"])
	})

	t.Run("nested relevant detail object", func(t *testing.T) {
		resp := classify(t, `{"query_results": {"Response": "One issue", "Relevant_JE_Details": {
			"JE_ID": 12, "Contributing_Factors": {"amount_threshold": "exceeded", "manual_entry": true}
		}}}`)
		n, ok := resp.(NestedDetail)
		require.True(t, ok, "got %T", resp)
		require.Len(t, n.Details, 1)
		assert.Equal(t, "12", n.Details[0]["JE_ID"])
		assert.Equal(t, "amount threshold: exceeded; manual entry: true", n.Details[0]["Contributing_Factors"])
	})

	t.Run("bare response object", func(t *testing.T) {
		resp := classify(t, `{"Query": "threshold?", "Response": "It is 500000."}`)
		single, ok := resp.(SingleResult)
		require.True(t, ok, "got %T", resp)
		assert.Equal(t, FlexText("It is 500000."), single.Result.Response)
	})

	t.Run("top level array", func(t *testing.T) {
		resp := classify(t, `[{"Response": "a"}, {"Response": "b"}]`)
		list, ok := resp.(ResultList)
		require.True(t, ok, "got %T", resp)
		assert.Len(t, list.Results, 2)
	})

	t.Run("explanations only", func(t *testing.T) {
		resp := classify(t, `{"explanations": [{"JE_ID": "5", "Explanation": "duplicate"}]}`)
		list, ok := resp.(ResultList)
		require.True(t, ok, "got %T", resp)
		assert.Empty(t, list.Results)
		assert.Len(t, list.Explanations, 1)
	})

	t.Run("unknown object", func(t *testing.T) {
		resp := classify(t, `{"JE_ID": "5", "Status": "ok"}`)
		n, ok := resp.(NestedDetail)
		require.True(t, ok, "got %T", resp)
		assert.Equal(t, "ok", n.Details[0]["Status"])
	})
}

func TestNormalize(t *testing.T) {
	a := Normalize(ResultList{Results: []QueryResult{
		{Response: "First", ContributingFactors: "Manual Entry", RelevantIDs: "1"},
		{Response: "Second", ContributingFactors: "", RelevantIDs: "N/A"},
	}})
	assert.Equal(t, "First\n\nSecond", a.Text)
	assert.Equal(t, "Manual Entry", a.ContributingFactors)
	assert.Equal(t, "1", a.RelevantIDs)
	assert.Equal(t, "First\n\nSecond\n\nContributing factors: Manual Entry\nRelevant IDs: 1", a.String())

	empty := Normalize(NestedDetail{Details: []Detail{{"k": "v"}}})
	assert.Equal(t, NoResultsText, empty.Text)
	assert.Len(t, empty.Details, 1)
	assert.Equal(t, NoResultsText, empty.String())
}

func TestParseAnswer(t *testing.T) {
	a, strategy, err := ParseAnswer("```json\n{\"query_results\": [{\"Response\": \"It is 500000.\"}]}\n```")
	require.NoError(t, err)
	assert.Equal(t, StrategyFenced, strategy)
	assert.Equal(t, "It is 500000.", a.Text)

	_, _, err = ParseAnswer("not json at all")
	assert.ErrorIs(t, err, ErrParseFailure)
}
