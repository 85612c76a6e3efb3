package intent

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

var branches = []Branch{
	{Title: "billing", Description: "invoices, charges, refunds"},
	{Title: "support"},
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(branches, "Prefer support when unsure.")
	assert.Contains(t, p, "1. billing: invoices, charges, refunds\n")
	assert.Contains(t, p, "2. support\n")
	assert.Contains(t, p, `"best_intent"`)
	assert.Contains(t, p, "Prefer support when unsure.")
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(`{"matched": true, "best_intent": " billing ", "ranking": [{"title":"billing","confidence":0.9},{"title":"support","confidence":0.1}]}`)
	require.NoError(t, err)
	assert.True(t, d.Matched)
	assert.Equal(t, "billing", d.BestIntent)
	require.Len(t, d.Ranking, 2)
	assert.Equal(t, 0.9, d.Ranking[0].Confidence)
}

func TestParseDecision_CodeFence(t *testing.T) {
	d, err := ParseDecision("Sure:\n```json\n{\"matched\": false, \"best_intent\": \"\"}\n```")
	require.NoError(t, err)
	assert.False(t, d.Matched)
}

func TestParseDecision_RankingOrderKept(t *testing.T) {
	d, err := ParseDecision(`{"matched": true, "best_intent": "support", "ranking": [{"title":"billing","confidence":0.2},{"title":"support","confidence":0.8}]}`)
	require.NoError(t, err)
	assert.Equal(t, "support", d.BestIntent)
	assert.Equal(t, "billing", d.Ranking[0].Title)
}

func TestParseDecision_Invalid(t *testing.T) {
	for _, raw := range []string{"", "billing", "{not json}", `{"matched": "maybe"}`} {
		_, err := ParseDecision(raw)
		assert.Equal(t, schema.ErrCodeParse, schema.CodeOf(err), raw)
	}
}

func TestParseDecision_DetailKeepsWholeRunes(t *testing.T) {
	raw := strings.Repeat("é", 250)
	_, err := ParseDecision(raw)
	require.Error(t, err)

	resp, ok := schema.AsFlowError(err).Details["response"].(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(resp))
	assert.Equal(t, strings.Repeat("é", 200)+"...", resp)
}

func TestFind(t *testing.T) {
	b, ok := Find(branches, "billing")
	require.True(t, ok)
	assert.Equal(t, "billing", b.Title)

	b, ok = Find(branches, "SUPPORT")
	require.True(t, ok)
	assert.Equal(t, "support", b.Title)

	_, ok = Find(branches, "sales")
	assert.False(t, ok)
}

func TestValidateBranches(t *testing.T) {
	assert.NoError(t, ValidateBranches(branches))
	assert.Error(t, ValidateBranches(nil))
	assert.Error(t, ValidateBranches([]Branch{{Title: " "}}))
	assert.Error(t, ValidateBranches([]Branch{{Title: "else"}}))
	assert.Error(t, ValidateBranches([]Branch{{Title: "a"}, {Title: "a"}}))
}
