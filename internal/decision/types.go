package decision

import "time"

// 中文说明：
// decision 包只包含议会的数据模型与纯函数聚合逻辑，不做 IO。
// 同样的输入必然得到逐字节相同的输出，审计日志回放依赖这一点。

// Phase 为状态机中的阶段。
type Phase string

const (
	PhaseContextVoting       Phase = "context_voting"
	PhaseDebate              Phase = "debate"
	PhasePlanProposing       Phase = "plan_proposing"
	PhasePlanVoting          Phase = "plan_voting"
	PhaseExecutionValidating Phase = "execution_validating"
	PhaseTerminal            Phase = "terminal"
)

// State 为 cycle 的当前状态；终态以 terminal_ 前缀区分。
type State string

const (
	StateContextVoting       State = "context_voting"
	StateDebate              State = "debate"
	StatePlanProposing       State = "plan_proposing"
	StatePlanVoting          State = "plan_voting"
	StateExecutionValidating State = "execution_validating"
	StateDecision            State = "terminal_decision"
	StateNoConsensus         State = "terminal_no_consensus"
	StateHold                State = "terminal_hold"
)

func (s State) Terminal() bool {
	switch s {
	case StateDecision, StateNoConsensus, StateHold:
		return true
	}
	return false
}

type Role string

const (
	RoleMacro          Role = "macro"
	RoleSentiment      Role = "sentiment"
	RoleTechnician     Role = "technician"
	RoleRisk           Role = "risk"
	RoleDevilsAdvocate Role = "devils_advocate"
	RoleGeneric        Role = "generic"
)

// Label 为市场背景分类。
type Label string

const (
	LabelBullish   Label = "bullish"
	LabelBearish   Label = "bearish"
	LabelUncertain Label = "uncertain"
)

// Labels 固定顺序，分布展示与遍历都按此顺序。
var Labels = []Label{LabelBullish, LabelBearish, LabelUncertain}

func (l Label) Valid() bool {
	return l == LabelBullish || l == LabelBearish || l == LabelUncertain
}

type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionHold Direction = "hold"
)

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell || d == DirectionHold
}

// Agent 为一次 cycle 内使用的成员定义（来自 roster 的解析结果）。
type Agent struct {
	ID      string        `json:"id"`
	Name    string        `json:"name,omitempty"`
	Role    Role          `json:"role"`
	Weight  float64       `json:"weight"`
	Backend string        `json:"backend"`
	Model   string        `json:"model,omitempty"`
	Persona string        `json:"persona,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Propose bool          `json:"propose"`
}

func (a Agent) IsDevilsAdvocate() bool { return a.Role == RoleDevilsAdvocate }

type VoteKind string

const (
	KindContext    VoteKind = "context"
	KindPlan       VoteKind = "plan"
	KindScore      VoteKind = "score"
	KindCritique   VoteKind = "critique"
	KindAbstention VoteKind = "abstention"
)

type AbstainReason string

const (
	AbstainTimeout     AbstainReason = "timeout"
	AbstainMalformed   AbstainReason = "malformed"
	AbstainUnavailable AbstainReason = "unavailable"
	AbstainNotInvoked  AbstainReason = "not_invoked"
)

type ContextVote struct {
	Label     Label  `json:"label"`
	Rationale string `json:"rationale,omitempty"`
}

// Plan 为一个可执行的交易方案。
type Plan struct {
	Direction            Direction `json:"direction"`
	Entry                float64   `json:"entry"`
	StopLoss             float64   `json:"stop_loss"`
	TakeProfit           []float64 `json:"take_profit"`
	PositionSizeFraction float64   `json:"position_size_fraction"`
	Rationale            string    `json:"rationale,omitempty"`
}

// PlanScore 为对单个方案的四维评分，每项 [0,5]。
type PlanScore struct {
	DataAlignment float64 `json:"data_alignment"`
	RiskControl   float64 `json:"risk_control"`
	RewardRisk    float64 `json:"reward_risk"`
	Realism       float64 `json:"realism"`
}

// ScoreVote 以提案 agent id 为键。
type ScoreVote struct {
	Scores map[string]PlanScore `json:"scores"`
}

type ObjectionRule string

const (
	RuleMaxStopDistancePct  ObjectionRule = "max_stop_distance_pct"
	RuleMaxPositionFraction ObjectionRule = "max_position_fraction"
	RuleForbidDirection     ObjectionRule = "forbid_direction"
	RuleMinRewardRisk       ObjectionRule = "min_reward_risk"
)

// Objection 是魔鬼代言人提出的可机器校验的反对意见。
type Objection struct {
	Rule      ObjectionRule `json:"rule"`
	Limit     float64       `json:"limit,omitempty"`
	Direction Direction     `json:"direction,omitempty"`
	Hard      bool          `json:"hard"`
	Reason    string        `json:"reason,omitempty"`
}

type Critique struct {
	Objections []Objection `json:"objections"`
	Summary    string      `json:"summary,omitempty"`
}

type Abstention struct {
	Reason AbstainReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

// Vote 为某 agent 在某一轮的输出，按 Kind 只填充一个变体。
type Vote struct {
	Seq        int          `json:"seq"`
	AgentID    string       `json:"agent_id"`
	Role       Role         `json:"role"`
	Round      int          `json:"round"`
	Phase      Phase        `json:"phase"`
	Kind       VoteKind     `json:"kind"`
	Context    *ContextVote `json:"context,omitempty"`
	Plan       *Plan        `json:"plan,omitempty"`
	Score      *ScoreVote   `json:"score,omitempty"`
	Critique   *Critique    `json:"critique,omitempty"`
	Abstention *Abstention  `json:"abstention,omitempty"`
}

func (v Vote) Abstained() bool { return v.Kind == KindAbstention }

// Abstain 构造一张弃权票。
func Abstain(agent Agent, reason AbstainReason, detail string) Vote {
	return Vote{
		AgentID:    agent.ID,
		Role:       agent.Role,
		Kind:       KindAbstention,
		Abstention: &Abstention{Reason: reason, Detail: detail},
	}
}

// Decision 为通过全部校验后的最终决策。
type Decision struct {
	CycleID              string    `json:"cycle_id"`
	Symbol               string    `json:"symbol"`
	Direction            Direction `json:"direction"`
	Entry                float64   `json:"entry"`
	StopLoss             float64   `json:"stop_loss"`
	TakeProfit           []float64 `json:"take_profit"`
	PositionSizeFraction float64   `json:"position_size_fraction"`
	Rationale            string    `json:"rationale,omitempty"`
	ProposedBy           string    `json:"proposed_by"`
	Score                float64   `json:"score"`
	Context              Label     `json:"context"`
}

// Hold 原因码。
const (
	ReasonNoConsensus = "no_consensus"
	ReasonCancelled   = "cancelled"
	ReasonPlanHold    = "plan_hold"
	ReasonNoPlans     = "no_plans"
	ReasonNoScores    = "no_scores"
)

// ConstraintReason 返回 "constraint_violation: <check>"。
func ConstraintReason(check string) string {
	return "constraint_violation: " + check
}

// Outcome 为 cycle 的终态结果：要么 Decision，要么带原因码的 Hold。
type Outcome struct {
	State            State       `json:"state"`
	Hold             bool        `json:"hold"`
	Reason           string      `json:"reason"`
	Decision         *Decision   `json:"decision,omitempty"`
	NeedsHumanReview bool        `json:"needs_human_review,omitempty"`
	Objections       []Objection `json:"objections,omitempty"`
	Violations       []Violation `json:"violations,omitempty"`
}

// RoundRecord 为审计日志中的一条记录：某一轮的全部投票、聚合结果与状态迁移。
type RoundRecord struct {
	CycleID  string       `json:"cycle_id"`
	Round    int          `json:"round"`
	Phase    Phase        `json:"phase"`
	From     State        `json:"from"`
	To       State        `json:"to"`
	Votes    []Vote       `json:"votes"`
	Result   RoundResult  `json:"result"`
	Params   *CycleParams `json:"params,omitempty"`
	ClosedAt time.Time    `json:"closed_at"`
}

// RoundResult 为该轮聚合器输出，按阶段填充。
type RoundResult struct {
	Majority   *MajorityResult `json:"majority,omitempty"`
	Ranking    []RankedPlan    `json:"ranking,omitempty"`
	Objections []Objection     `json:"objections,omitempty"`
	Violations []Violation     `json:"violations,omitempty"`
	Outcome    *Outcome        `json:"outcome,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// CycleParams 记录在第一轮中，回放时用来重建聚合器输入。
type CycleParams struct {
	Symbol              string             `json:"symbol"`
	SnapshotFingerprint string             `json:"snapshot_fingerprint"`
	Balance             float64            `json:"balance"`
	Threshold           float64            `json:"threshold"`
	MaxDebateRounds     int                `json:"max_debate_rounds"`
	Rubric              Rubric             `json:"rubric"`
	RolePriority        []Role             `json:"role_priority"`
	Limits              RiskLimits         `json:"limits"`
	Weights             map[string]float64 `json:"weights"`
	Roster              []Agent            `json:"roster"`
}
