package decision

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctxVote(id string, l Label) Vote {
	return Vote{AgentID: id, Role: RoleGeneric, Kind: KindContext, Context: &ContextVote{Label: l}}
}

func abstain(id string, r AbstainReason) Vote {
	return Abstain(Agent{ID: id, Role: RoleGeneric}, r, "")
}

func TestMajoritySimple(t *testing.T) {
	votes := []Vote{
		ctxVote("a", LabelBullish),
		ctxVote("b", LabelBullish),
		ctxVote("c", LabelBullish),
		ctxVote("d", LabelBearish),
		ctxVote("e", LabelUncertain),
	}
	res := Majority(votes, nil, 0.5)
	assert.True(t, res.Reached)
	assert.Equal(t, LabelBullish, res.Label)
	assert.Equal(t, 5, res.Voters)
	assert.InDelta(t, 5.0, res.TotalWeight, 1e-12)
	require.Len(t, res.Distribution, 3)
	assert.Equal(t, 3, res.Distribution[0].Votes)
}

func TestMajorityExactHalfIsNotEnough(t *testing.T) {
	votes := []Vote{ctxVote("a", LabelBullish), ctxVote("b", LabelBearish)}
	res := Majority(votes, nil, 0.5)
	assert.False(t, res.Reached)
	assert.Empty(t, res.Label)
}

func TestMajorityIgnoresAbstentions(t *testing.T) {
	votes := []Vote{
		ctxVote("a", LabelBearish),
		ctxVote("b", LabelBearish),
		ctxVote("c", LabelBullish),
		abstain("d", AbstainTimeout),
		abstain("e", AbstainMalformed),
	}
	res := Majority(votes, nil, 0.5)
	assert.True(t, res.Reached)
	assert.Equal(t, LabelBearish, res.Label)
	assert.Equal(t, 2, res.Abstentions)
	assert.InDelta(t, 3.0, res.TotalWeight, 1e-12)
}

func TestMajorityZeroWeight(t *testing.T) {
	votes := []Vote{ctxVote("a", LabelBullish)}
	res := Majority(votes, map[string]float64{"a": 0}, 0.5)
	assert.False(t, res.Reached)

	res = Majority([]Vote{abstain("a", AbstainTimeout)}, nil, 0.5)
	assert.False(t, res.Reached)
}

func TestMajorityWeighted(t *testing.T) {
	votes := []Vote{
		ctxVote("macro", LabelBearish),
		ctxVote("tech", LabelBullish),
		ctxVote("senti", LabelBullish),
	}
	weights := map[string]float64{"macro": 3, "tech": 1, "senti": 1}
	res := Majority(votes, weights, 0.5)
	assert.True(t, res.Reached)
	assert.Equal(t, LabelBearish, res.Label)
}

// 随机投票下验证：返回标签当且仅当其权重严格大于 threshold × 非弃权总权重。
func TestMajorityWeightConsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	all := append([]Label(nil), Labels...)
	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.Intn(9)
		votes := make([]Vote, 0, n)
		weights := map[string]float64{}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("a%d", i)
			weights[id] = float64(rng.Intn(4))
			if rng.Intn(5) == 0 {
				votes = append(votes, abstain(id, AbstainTimeout))
				continue
			}
			votes = append(votes, ctxVote(id, all[rng.Intn(len(all))]))
		}
		threshold := 0.5 + float64(rng.Intn(4))*0.1
		res := Majority(votes, weights, threshold)

		support := map[Label]float64{}
		total := 0.0
		for _, v := range votes {
			if v.Abstained() {
				continue
			}
			support[v.Context.Label] += weights[v.AgentID]
			total += weights[v.AgentID]
		}
		var expect Label
		for _, l := range all {
			if total > 0 && support[l] > threshold*total+1e-9 {
				expect = l
			}
		}
		assert.Equal(t, expect, res.Label, "iteration %d", iter)
		assert.Equal(t, expect != "", res.Reached)
	}
}

func planVote(id string, role Role, p Plan) Vote {
	return Vote{AgentID: id, Role: role, Kind: KindPlan, Plan: &p}
}

func scoreVote(id string, scores map[string]PlanScore) Vote {
	return Vote{AgentID: id, Kind: KindScore, Score: &ScoreVote{Scores: scores}}
}

func uniform(v float64) PlanScore {
	return PlanScore{DataAlignment: v, RiskControl: v, RewardRisk: v, Realism: v}
}

var unitRubric = Rubric{DataAlignment: 1, RiskControl: 1, RewardRisk: 1, Realism: 1}

func TestScoreRanksByWeightedTotal(t *testing.T) {
	plans := []Candidate{
		{AgentID: "a", Role: RoleMacro, Plan: Plan{PositionSizeFraction: 0.05}},
		{AgentID: "b", Role: RoleTechnician, Plan: Plan{PositionSizeFraction: 0.05}},
	}
	scores := []Vote{
		scoreVote("a", map[string]PlanScore{"a": uniform(5), "b": uniform(4)}),
		scoreVote("b", map[string]PlanScore{"a": uniform(2), "b": uniform(5)}),
		scoreVote("c", map[string]PlanScore{"a": uniform(3), "b": uniform(4)}),
		abstain("d", AbstainTimeout),
	}
	ranked := Score(plans, scores, nil, unitRubric, nil)
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].AgentID)
	// b: scored by a(16) and c(16); self score ignored.
	assert.InDelta(t, 16.0, ranked[0].Total, 1e-9)
	assert.Equal(t, 2, ranked[0].Scorers)
	// a: scored by b(8) and c(12).
	assert.InDelta(t, 10.0, ranked[1].Total, 1e-9)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, 2, ranked[1].Rank)
}

func TestScoreWeightsByScorer(t *testing.T) {
	plans := []Candidate{{AgentID: "a", Role: RoleMacro}}
	scores := []Vote{
		scoreVote("x", map[string]PlanScore{"a": uniform(5)}),
		scoreVote("y", map[string]PlanScore{"a": uniform(1)}),
		scoreVote("z", map[string]PlanScore{"a": uniform(math.NaN())}),
	}
	ranked := Score(plans, scores, map[string]float64{"x": 3, "y": 1, "z": 0}, unitRubric, nil)
	require.Len(t, ranked, 1)
	// (3*20 + 1*4) / 4
	assert.InDelta(t, 16.0, ranked[0].Total, 1e-9)
	assert.Equal(t, 3, ranked[0].Scorers)
}

func TestScoreUnscoredPlanRanksLast(t *testing.T) {
	plans := []Candidate{
		{AgentID: "a", Role: RoleMacro, Plan: Plan{PositionSizeFraction: 0.05}},
		{AgentID: "b", Role: RoleMacro, Plan: Plan{PositionSizeFraction: 0.01}},
	}
	// b 给 a 全零分，a 弃权，b 没有评分者。
	scores := []Vote{
		scoreVote("b", map[string]PlanScore{"a": uniform(0)}),
		abstain("a", AbstainTimeout),
	}
	ranked := Score(plans, scores, nil, unitRubric, nil)
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].AgentID)
	assert.Equal(t, 1, ranked[0].Scorers)
	assert.Equal(t, "b", ranked[1].AgentID)
	assert.Equal(t, 0, ranked[1].Scorers)

	none := Score(plans, []Vote{abstain("a", AbstainTimeout), abstain("b", AbstainMalformed)}, nil, unitRubric, nil)
	assert.Equal(t, "b", none[0].AgentID, "without scores the tie-breaks still decide")
	assert.Zero(t, none[0].Scorers)
}

func TestScoreTieBreaks(t *testing.T) {
	priority := []Role{RoleMacro, RoleTechnician, RoleSentiment, RoleRisk}
	plans := []Candidate{
		{AgentID: "risk-1", Role: RoleRisk, Plan: Plan{PositionSizeFraction: 0.05}},
		{AgentID: "tech-2", Role: RoleTechnician, Plan: Plan{PositionSizeFraction: 0.05}},
		{AgentID: "tech-1", Role: RoleTechnician, Plan: Plan{PositionSizeFraction: 0.05}},
		{AgentID: "macro-1", Role: RoleMacro, Plan: Plan{PositionSizeFraction: 0.08}},
		{AgentID: "senti-1", Role: RoleSentiment, Plan: Plan{PositionSizeFraction: 0.02}},
	}
	// 所有方案得分相同。
	all := map[string]PlanScore{}
	for _, p := range plans {
		all[p.AgentID] = uniform(3)
	}
	scores := []Vote{scoreVote("judge", all)}
	ranked := Score(plans, scores, nil, unitRubric, priority)
	ids := make([]string, 0, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.AgentID)
	}
	assert.Equal(t, []string{"senti-1", "tech-1", "tech-2", "risk-1", "macro-1"}, ids)
}

func TestScoreIsDeterministicUnderInputOrder(t *testing.T) {
	plans := []Candidate{
		{AgentID: "a", Role: RoleMacro, Plan: Plan{PositionSizeFraction: 0.05}},
		{AgentID: "b", Role: RoleMacro, Plan: Plan{PositionSizeFraction: 0.05}},
	}
	scores := []Vote{scoreVote("c", map[string]PlanScore{"a": uniform(3), "b": uniform(3)})}
	first := Score(plans, scores, nil, unitRubric, nil)
	second := Score([]Candidate{plans[1], plans[0]}, scores, nil, unitRubric, nil)
	assert.Equal(t, first, second)
}

var limits = RiskLimits{MinRewardRisk: 2, MaxPositionFraction: 0.1, MaxRiskPerTrade: 0.02}

func goodBuy() Plan {
	return Plan{Direction: DirectionBuy, Entry: 100, StopLoss: 95, TakeProfit: []float64{112, 120}, PositionSizeFraction: 0.1}
}

func checks(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Check)
	}
	return out
}

func TestValidateConstraints(t *testing.T) {
	cases := []struct {
		name    string
		plan    func() Plan
		label   Label
		balance float64
		want    []string
	}{
		{name: "valid buy", plan: goodBuy, label: LabelBullish, balance: 10000},
		{
			name: "valid sell",
			plan: func() Plan {
				return Plan{Direction: DirectionSell, Entry: 100, StopLoss: 104, TakeProfit: []float64{90}, PositionSizeFraction: 0.05}
			},
			label: LabelBearish, balance: 10000,
		},
		{
			name:  "stop above entry on buy",
			plan:  func() Plan { p := goodBuy(); p.StopLoss = 101; return p },
			label: LabelBullish, balance: 10000,
			want: []string{CheckInvalidStopDirection},
		},
		{
			name:  "take profit below entry on buy",
			plan:  func() Plan { p := goodBuy(); p.TakeProfit = []float64{99, 120}; return p },
			label: LabelBullish, balance: 10000,
			want: []string{CheckInvalidTakeProfit},
		},
		{
			name:  "over cap",
			plan:  func() Plan { p := goodBuy(); p.PositionSizeFraction = 0.2; return p },
			label: LabelBullish, balance: 10000,
			want: []string{CheckPositionSizeExceedsCap},
		},
		{
			name:  "zero size",
			plan:  func() Plan { p := goodBuy(); p.PositionSizeFraction = 0; return p },
			label: LabelBullish, balance: 10000,
			want: []string{CheckPositionSizeInvalid},
		},
		{
			name:  "context mismatch",
			plan:  goodBuy,
			label: LabelBearish, balance: 10000,
			want: []string{CheckDirectionContext},
		},
		{
			name:  "no balance",
			plan:  goodBuy,
			label: LabelBullish, balance: 0,
			want: []string{CheckInsufficientBalance},
		},
		{
			name:  "risk budget",
			plan:  func() Plan { p := goodBuy(); p.StopLoss = 70; p.TakeProfit = []float64{200}; return p },
			label: LabelBullish, balance: 10000,
			want: []string{CheckMaxRiskExceeded},
		},
		{
			name:  "reward risk",
			plan:  func() Plan { p := goodBuy(); p.TakeProfit = []float64{105, 130}; return p },
			label: LabelBullish, balance: 10000,
			want: []string{CheckRewardRiskBelowMin},
		},
		{
			name:  "missing levels short-circuits",
			plan:  func() Plan { p := goodBuy(); p.Entry = 0; return p },
			label: LabelBearish, balance: 0,
			want: []string{CheckMissingLevels},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ValidateConstraints(tc.plan(), tc.label, tc.balance, limits)
			if len(tc.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, checks(got))
		})
	}
}

func TestValidateConstraintsOrdering(t *testing.T) {
	p := goodBuy()
	p.StopLoss = 101
	p.PositionSizeFraction = 0.5
	got := ValidateConstraints(p, LabelBearish, 10000, limits)
	require.NotEmpty(t, got)
	assert.Equal(t, CheckInvalidStopDirection, got[0].Check)
	assert.Equal(t, []string{CheckInvalidStopDirection, CheckDirectionContext, CheckPositionSizeExceedsCap}, checks(got))
}

func TestRewardRiskUsesNearestTarget(t *testing.T) {
	p := goodBuy()
	assert.InDelta(t, 2.4, RewardRisk(p), 1e-9)
	assert.InDelta(t, 5.0, StopDistancePct(p), 1e-9)
}

func TestCheckCritique(t *testing.T) {
	c := Critique{Objections: []Objection{
		{Rule: RuleMaxStopDistancePct, Limit: 3, Hard: true},
		{Rule: RuleMaxPositionFraction, Limit: 0.2, Hard: true},
		{Rule: RuleForbidDirection, Direction: DirectionBuy, Hard: false},
		{Rule: RuleMinRewardRisk, Limit: 3, Hard: false},
		{Rule: "unknown", Hard: true},
	}}
	got := CheckCritique(c, goodBuy())
	require.Len(t, got, 3)
	assert.Equal(t, RuleMaxStopDistancePct, got[0].Rule)
	assert.Equal(t, RuleForbidDirection, got[1].Rule)
	assert.Equal(t, RuleMinRewardRisk, got[2].Rule)
	assert.True(t, HasHard(got))
	assert.False(t, HasHard(got[1:]))
}

func TestCritiqueFromVotesCopiesFirstCritique(t *testing.T) {
	assert.Nil(t, CritiqueFromVotes([]Vote{planVote("a", RoleMacro, goodBuy())}))

	c := &Critique{Objections: []Objection{{Rule: RuleMinRewardRisk, Limit: 3}}}
	votes := []Vote{
		planVote("a", RoleMacro, goodBuy()),
		abstain("x", AbstainTimeout),
		{AgentID: "da", Role: RoleDevilsAdvocate, Kind: KindCritique, Critique: c},
	}
	got := CritiqueFromVotes(votes)
	require.NotNil(t, got)
	assert.Equal(t, RuleMinRewardRisk, got.Objections[0].Rule)
	assert.NotSame(t, c, got)
}

func TestAgentErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &AgentError{Reason: AbstainTimeout, AgentID: "a", Phase: PhaseContextVoting})
	assert.True(t, errors.Is(err, ErrAgentTimeout))
	assert.False(t, errors.Is(err, ErrAgentMalformed))
	var ae *AgentError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "a", ae.AgentID)

	serr := &SnapshotError{Issues: []string{"balance must be >= 0"}}
	assert.True(t, errors.Is(serr, ErrInvalidSnapshot))
	assert.Contains(t, serr.Error(), "balance")
}

func replayFixture() []RoundRecord {
	params := &CycleParams{
		Balance:      10000,
		Threshold:    0.5,
		Rubric:       unitRubric,
		RolePriority: []Role{RoleMacro, RoleTechnician},
		Limits:       limits,
		Weights:      map[string]float64{"a": 1, "b": 1, "c": 1},
	}
	ctxVotes := []Vote{ctxVote("a", LabelBullish), ctxVote("b", LabelBullish), ctxVote("c", LabelBearish)}
	m := Majority(ctxVotes, params.Weights, params.Threshold)
	planVotes := []Vote{planVote("a", RoleMacro, goodBuy()), planVote("b", RoleTechnician, goodBuy())}
	scoreVotes := []Vote{
		scoreVote("a", map[string]PlanScore{"b": uniform(4)}),
		scoreVote("b", map[string]PlanScore{"a": uniform(3)}),
		scoreVote("c", map[string]PlanScore{"a": uniform(3), "b": uniform(4)}),
	}
	ranking := Score(CandidatesFromVotes(planVotes), scoreVotes, params.Weights, params.Rubric, params.RolePriority)
	return []RoundRecord{
		{CycleID: "c1", Round: 1, Phase: PhaseContextVoting, Votes: ctxVotes, Result: RoundResult{Majority: &m}, Params: params},
		{CycleID: "c1", Round: 2, Phase: PhasePlanProposing, Votes: planVotes},
		{CycleID: "c1", Round: 3, Phase: PhasePlanVoting, Votes: scoreVotes, Result: RoundResult{Ranking: ranking}},
		{CycleID: "c1", Round: 4, Phase: PhaseExecutionValidating, Result: RoundResult{Outcome: &Outcome{State: StateDecision}}},
	}
}

func TestReplayConsistent(t *testing.T) {
	report, err := Replay(replayFixture())
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "%+v", report.Mismatches)
	require.NotNil(t, report.Outcome)
	assert.Equal(t, StateDecision, report.Outcome.State)
}

func TestReplayRanksUnscoredPlanLast(t *testing.T) {
	records := replayFixture()
	small := goodBuy()
	small.PositionSizeFraction = 0.01
	records[1].Votes = []Vote{planVote("a", RoleMacro, goodBuy()), planVote("b", RoleTechnician, small)}
	records[2].Votes = []Vote{
		scoreVote("b", map[string]PlanScore{"a": uniform(0)}),
		abstain("a", AbstainTimeout),
		abstain("c", AbstainTimeout),
	}
	records[2].Result.Ranking = []RankedPlan{
		{Rank: 1, AgentID: "a", Role: RoleMacro, Plan: goodBuy(), Total: 0, Scorers: 1},
		{Rank: 2, AgentID: "b", Role: RoleTechnician, Plan: small, Total: 0, Scorers: 0},
	}
	report, err := Replay(records)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "%+v", report.Mismatches)

	records[2].Result.Ranking[0], records[2].Result.Ranking[1] = records[2].Result.Ranking[1], records[2].Result.Ranking[0]
	report, err = Replay(records)
	require.NoError(t, err)
	require.NotEmpty(t, report.Mismatches)
	assert.Equal(t, "ranking", report.Mismatches[0].Field)
}

func TestReplayDetectsTampering(t *testing.T) {
	records := replayFixture()
	records[0].Votes[2] = ctxVote("c", LabelBullish)
	report, err := Replay(records)
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "majority", report.Mismatches[0].Field)
}

func TestReplayRequiresParams(t *testing.T) {
	records := replayFixture()
	records[0].Params = nil
	_, err := Replay(records)
	assert.Error(t, err)
}
