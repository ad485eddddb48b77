package provider

import (
	"context"
	"os"
	"testing"

	"council/internal/config"
	"council/internal/decision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const limitsJSON = `"limits":{"min_reward_risk":2,"max_position_fraction":0.1,"max_risk_per_trade":0.02}`

func sampleSnapshot(t *testing.T) []byte {
	t.Helper()
	raw, err := os.ReadFile("../../snapshot/testdata/sample.json")
	require.NoError(t, err)
	return raw
}

func callRule(t *testing.T, req Request) string {
	t.Helper()
	if req.Snapshot == nil {
		req.Snapshot = sampleSnapshot(t)
	}
	out, err := NewRule("rule").Call(context.Background(), req)
	require.NoError(t, err)
	return out
}

func TestRuleContextByRole(t *testing.T) {
	for _, role := range []decision.Role{decision.RoleTechnician, decision.RoleSentiment, decision.RoleMacro, decision.RoleRisk} {
		t.Run(string(role), func(t *testing.T) {
			out := callRule(t, Request{AgentID: "a", Role: string(role), Phase: string(decision.PhaseContextVoting), Prior: []byte(`{"technical_window":"4h"}`)})
			var v decision.ContextVote
			require.NoError(t, json.Unmarshal([]byte(out), &v))
			assert.Equal(t, decision.LabelBullish, v.Label)
			assert.NotEmpty(t, v.Rationale)
		})
	}
}

func TestRuleDebateFollowsLeaderWhenWeak(t *testing.T) {
	prior := `{"phase":"debate","previous_label":"bullish","distribution":[{"label":"bullish","weight":1},{"label":"bearish","weight":3},{"label":"uncertain","weight":0}]}`
	out := callRule(t, Request{Role: string(decision.RoleSentiment), Phase: string(decision.PhaseDebate), Prior: []byte(prior)})
	var weak decision.ContextVote
	require.NoError(t, json.Unmarshal([]byte(out), &weak))
	assert.Equal(t, decision.LabelBearish, weak.Label)

	out = callRule(t, Request{Role: string(decision.RoleTechnician), Phase: string(decision.PhaseDebate), Prior: []byte(prior)})
	var strong decision.ContextVote
	require.NoError(t, json.Unmarshal([]byte(out), &strong))
	assert.Equal(t, decision.LabelBullish, strong.Label)
}

func TestRulePlanPassesConstraints(t *testing.T) {
	prior := `{"phase":"plan_proposing","agreed_label":"bullish",` + limitsJSON + `}`
	out := callRule(t, Request{Role: string(decision.RoleTechnician), Phase: string(decision.PhasePlanProposing), Prior: []byte(prior)})
	var p decision.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.Equal(t, decision.DirectionBuy, p.Direction)
	assert.InDelta(t, 95704.08, p.Entry, 1e-6)
	assert.Less(t, p.StopLoss, p.Entry)
	require.Len(t, p.TakeProfit, 2)
	assert.Greater(t, p.TakeProfit[0], p.Entry)

	limits := decision.RiskLimits{MinRewardRisk: 2, MaxPositionFraction: 0.1, MaxRiskPerTrade: 0.02}
	assert.Empty(t, decision.ValidateConstraints(p, decision.LabelBullish, 10000, limits))
}

func TestRulePlanHoldsWithoutDirection(t *testing.T) {
	out := callRule(t, Request{Role: string(decision.RoleMacro), Phase: string(decision.PhasePlanProposing), Prior: []byte(`{"agreed_label":"uncertain"}`)})
	var p decision.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.Equal(t, decision.DirectionHold, p.Direction)
}

func TestRuleScoresSkipSelf(t *testing.T) {
	prior := `{"agreed_label":"bullish",` + limitsJSON + `,"plans":[
		{"agent_id":"tech","role":"technician","plan":{"direction":"buy","entry":95704.08,"stop_loss":94463.1,"take_profit":[98682.43],"position_size_fraction":0.1}},
		{"agent_id":"macro","role":"macro","plan":{"direction":"sell","entry":99000,"stop_loss":99500,"take_profit":[98000],"position_size_fraction":0.3}}]}`
	out := callRule(t, Request{AgentID: "macro", Role: string(decision.RoleMacro), Phase: string(decision.PhasePlanVoting), Prior: []byte(prior)})
	var sv decision.ScoreVote
	require.NoError(t, json.Unmarshal([]byte(out), &sv))
	require.Contains(t, sv.Scores, "tech")
	assert.NotContains(t, sv.Scores, "macro")
	s := sv.Scores["tech"]
	assert.Equal(t, 5.0, s.DataAlignment)
	assert.Equal(t, 5.0, s.RiskControl)
	assert.Equal(t, 5.0, s.Realism)
	assert.InDelta(t, 3.6, s.RewardRisk, 0.01)
}

func TestRuleCritiqueObjections(t *testing.T) {
	prior := `{"agreed_label":"bullish",` + limitsJSON + `}`
	out := callRule(t, Request{Role: string(decision.RoleDevilsAdvocate), Phase: string(decision.PhasePlanProposing), Prior: []byte(prior)})
	var c decision.Critique
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	require.NotEmpty(t, c.Objections)
	assert.Equal(t, decision.RuleMaxStopDistancePct, c.Objections[0].Rule)
	assert.True(t, c.Objections[0].Hard)
	for _, o := range c.Objections {
		assert.NotEqual(t, decision.RuleForbidDirection, o.Rule, "sample sentiment agrees with bullish")
	}
}

func TestRuleRejectsUnknownPhase(t *testing.T) {
	_, err := NewRule("rule").Call(context.Background(), Request{Phase: "terminal", Snapshot: sampleSnapshot(t)})
	assert.Error(t, err)
}

func TestRuleHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRule("rule").Call(ctx, Request{Phase: string(decision.PhaseContextVoting), Snapshot: sampleSnapshot(t)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticLookupOrder(t *testing.T) {
	b, err := NewStatic("fixed", config.BackendConfig{Responses: map[string]string{
		"Alice/context_voting": `{"label":"bearish"}`,
		"context_voting":       `{"label":"bullish"}`,
		"*":                    `{"direction":"hold"}`,
	}})
	require.NoError(t, err)

	out, err := b.Call(context.Background(), Request{AgentID: "alice", Phase: "context_voting"})
	require.NoError(t, err)
	assert.Equal(t, `{"label":"bearish"}`, out)

	out, err = b.Call(context.Background(), Request{AgentID: "bob", Phase: "context_voting"})
	require.NoError(t, err)
	assert.Equal(t, `{"label":"bullish"}`, out)

	out, err = b.Call(context.Background(), Request{AgentID: "bob", Phase: "plan_proposing"})
	require.NoError(t, err)
	assert.Equal(t, `{"direction":"hold"}`, out)
}

func TestStaticRequiresResponses(t *testing.T) {
	_, err := NewStatic("empty", config.BackendConfig{})
	assert.Error(t, err)
}

func TestGeminiCreatesClientUpFront(t *testing.T) {
	_, err := NewGemini("gemini", config.BackendConfig{Kind: config.BackendGemini})
	assert.ErrorContains(t, err, "api_key is required")

	b, err := NewGemini("gemini", config.BackendConfig{Kind: config.BackendGemini, APIKey: "test-key", Model: "gemini-2.5-flash"})
	require.NoError(t, err)
	assert.NotNil(t, b.client)
	assert.Equal(t, "gemini", b.Name())
}

func TestFactoryUnknownKind(t *testing.T) {
	_, err := New("x", config.BackendConfig{Kind: "carrier-pigeon"})
	assert.Error(t, err)

	all, err := BuildAll(map[string]config.BackendConfig{"rule": {Kind: config.BackendRule}})
	require.NoError(t, err)
	assert.Equal(t, "rule", all["rule"].Name())
}

func TestUserMessageSections(t *testing.T) {
	msg := userMessage(Request{Instruction: "vote", Prior: []byte(`{"round":1}`), Snapshot: []byte(`{}`), Schema: `{"type":"object"}`})
	assert.Contains(t, msg, "## ROUND CONTEXT")
	assert.Contains(t, msg, "## SNAPSHOT")
	assert.Contains(t, msg, "## RESPONSE JSON SCHEMA")
}
