package gateway

import (
	"council/internal/decision"
)

// PlanEntry 为 plan_voting 轮发给评分者的候选方案。
type PlanEntry struct {
	AgentID string        `json:"agent_id"`
	Role    decision.Role `json:"role"`
	Plan    decision.Plan `json:"plan"`
}

// RoundContext 为某一轮发给 agent 的上下文（先前轮次的结论）。
// 它以 JSON 形式随请求下发，规则类后端直接读取其字段。
type RoundContext struct {
	Phase           decision.Phase        `json:"phase"`
	Round           int                   `json:"round"`
	DebateRound     int                   `json:"debate_round,omitempty"`
	AgreedLabel     decision.Label        `json:"agreed_label,omitempty"`
	PreviousLabel   decision.Label        `json:"previous_label,omitempty"`
	Distribution    []decision.LabelShare `json:"distribution,omitempty"`
	Plans           []PlanEntry           `json:"plans,omitempty"`
	Limits          *decision.RiskLimits  `json:"limits,omitempty"`
	TechnicalWindow string                `json:"technical_window,omitempty"`
}

// ForAgent 返回针对单个 agent 的副本：debate 轮附上其上一轮标签。
func (rc RoundContext) ForAgent(previous decision.Label) RoundContext {
	out := rc
	out.PreviousLabel = previous
	return out
}
