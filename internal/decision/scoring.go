package decision

import (
	"math"
	"sort"
)

// Rubric 为四个评分维度的权重。
type Rubric struct {
	DataAlignment float64 `json:"data_alignment"`
	RiskControl   float64 `json:"risk_control"`
	RewardRisk    float64 `json:"reward_risk"`
	Realism       float64 `json:"realism"`
}

// Weighted 返回按 rubric 加权后的总分，各子项先截断到 [0,5]。
func (r Rubric) Weighted(s PlanScore) float64 {
	return r.DataAlignment*clampScore(s.DataAlignment) +
		r.RiskControl*clampScore(s.RiskControl) +
		r.RewardRisk*clampScore(s.RewardRisk) +
		r.Realism*clampScore(s.Realism)
}

// Candidate 为进入评分阶段的方案。
type Candidate struct {
	AgentID string `json:"agent_id"`
	Role    Role   `json:"role"`
	Plan    Plan   `json:"plan"`
}

// RankedPlan 为排序后的方案，Rank 从 1 开始。
type RankedPlan struct {
	Rank    int     `json:"rank"`
	AgentID string  `json:"agent_id"`
	Role    Role    `json:"role"`
	Plan    Plan    `json:"plan"`
	Total   float64 `json:"total"`
	Scorers int     `json:"scorers"`
}

// CandidatesFromVotes 从 plan_proposing 轮的投票中提取方案，保持投票顺序。
func CandidatesFromVotes(votes []Vote) []Candidate {
	out := make([]Candidate, 0, len(votes))
	for _, v := range votes {
		if v.Kind != KindPlan || v.Plan == nil {
			continue
		}
		out = append(out, Candidate{AgentID: v.AgentID, Role: v.Role, Plan: *v.Plan})
	}
	return out
}

// Score 对全部方案排序。
// 每个方案的得分为非弃权评分者（不含提案者本人）的加权平均；没有评分者的方案排在所有已评分方案之后。
// 平局依次比较：仓位更小者优先、rolePriority 中靠前的角色优先、agent id 字典序。
func Score(plans []Candidate, scores []Vote, weights map[string]float64, rubric Rubric, rolePriority []Role) []RankedPlan {
	if len(plans) == 0 {
		return nil
	}
	ranked := make([]RankedPlan, 0, len(plans))
	for _, p := range plans {
		var sum, wsum float64
		n := 0
		for _, v := range scores {
			if v.Abstained() || v.Kind != KindScore || v.Score == nil {
				continue
			}
			if v.AgentID == p.AgentID {
				continue
			}
			s, ok := v.Score.Scores[p.AgentID]
			if !ok {
				continue
			}
			w := weightOf(weights, v.AgentID)
			sum += w * rubric.Weighted(s)
			wsum += w
			n++
		}
		total := 0.0
		if wsum > epsilon {
			total = sum / wsum
		}
		ranked = append(ranked, RankedPlan{AgentID: p.AgentID, Role: p.Role, Plan: p.Plan, Total: total, Scorers: n})
	}
	prio := rolePriorityIndex(rolePriority)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if (a.Scorers == 0) != (b.Scorers == 0) {
			return a.Scorers > 0
		}
		if math.Abs(a.Total-b.Total) > epsilon {
			return a.Total > b.Total
		}
		if math.Abs(a.Plan.PositionSizeFraction-b.Plan.PositionSizeFraction) > epsilon {
			return a.Plan.PositionSizeFraction < b.Plan.PositionSizeFraction
		}
		pa, pb := prio(a.Role), prio(b.Role)
		if pa != pb {
			return pa < pb
		}
		return a.AgentID < b.AgentID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

func rolePriorityIndex(order []Role) func(Role) int {
	idx := make(map[Role]int, len(order))
	for i, r := range order {
		if _, ok := idx[r]; !ok {
			idx[r] = i
		}
	}
	return func(r Role) int {
		if i, ok := idx[r]; ok {
			return i
		}
		return len(order)
	}
}

// clampScore 只处理 NaN，范围由响应 schema 保证。
func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
