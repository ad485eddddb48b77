package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"label":"bullish"}`, `{"label":"bullish"}`, true},
		{"prose", `I think {"label":"bearish","rationale":"x"} overall.`, `{"label":"bearish","rationale":"x"}`, true},
		{"fenced", "Answer:\n```json\n{\"label\":\"uncertain\"}\n```\n", `{"label":"uncertain"}`, true},
		{"braces in strings", `{"rationale":"a } b {","label":"bullish"}`, `{"rationale":"a } b {","label":"bullish"}`, true},
		{"escaped quote", `{"rationale":"say \"hi\" }","label":"bullish"}`, `{"rationale":"say \"hi\" }","label":"bullish"}`, true},
		{"unbalanced", `{"label":"bullish"`, "", false},
		{"empty", "   ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractObject(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractArray(t *testing.T) {
	got, ok := ExtractArray("```\n[1,[2,3]]\n```")
	assert.True(t, ok)
	assert.Equal(t, "[1,[2,3]]", got)
}
