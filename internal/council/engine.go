package council

import (
	"context"
	"fmt"
	"strings"
	"time"

	"council/internal/config"
	"council/internal/decision"
	"council/internal/gateway"
	"council/internal/logger"
	"council/internal/snapshot"

	"golang.org/x/sync/errgroup"
)

// 中文说明：
// Engine 驱动单个 cycle 的状态机：
// context_voting -> (debate)* -> plan_proposing -> plan_voting -> execution_validating -> 终态。
// 每一轮结束时先写审计日志再迁移状态；审计写入失败属于硬错误，cycle 直接中止。
// 调用方取消只在轮次边界生效，已经发出的调用按本轮截止时间自然结束。

// Invoker 为调用单个 agent 的能力，*gateway.Gateway 实现了它。
type Invoker interface {
	Invoke(ctx context.Context, agent decision.Agent, frozen *snapshot.Frozen, rc gateway.RoundContext) (decision.Vote, *decision.AgentError)
}

// Appender 为审计日志的写入端。
type Appender interface {
	Append(ctx context.Context, cycleID string, rec decision.RoundRecord) error
}

// Settings 为一次 cycle 使用的全部参数，cycle 开始时固定下来。
type Settings struct {
	Threshold       float64
	MaxDebateRounds int
	RoundTimeout    time.Duration
	Rubric          decision.Rubric
	RolePriority    []decision.Role
	Limits          decision.RiskLimits
	TechnicalWindow string
}

// SettingsFrom 从配置构建 Settings。
func SettingsFrom(cfg *config.Config) Settings {
	priority := make([]decision.Role, 0, len(cfg.Council.RolePriority))
	for _, r := range cfg.Council.RolePriority {
		priority = append(priority, decision.Role(r))
	}
	rubric := cfg.Council.Rubric
	return Settings{
		Threshold:       cfg.Council.MajorityThreshold,
		MaxDebateRounds: cfg.Council.MaxDebateRounds,
		RoundTimeout:    cfg.Council.RoundTimeout(),
		Rubric: decision.Rubric{
			DataAlignment: rubric.DataAlignment,
			RiskControl:   rubric.RiskControl,
			RewardRisk:    rubric.RewardRisk,
			Realism:       rubric.Realism,
		},
		RolePriority: priority,
		Limits: decision.RiskLimits{
			MinRewardRisk:       cfg.Risk.MinRewardRisk,
			MaxPositionFraction: cfg.Risk.MaxPositionFraction,
			MaxRiskPerTrade:     cfg.Risk.MaxRiskPerTrade,
			MinNotional:         cfg.Risk.MinNotional,
		},
		TechnicalWindow: cfg.Council.TechnicalWindow,
	}
}

// AgentsFromConfig 把 roster 配置转换为 cycle 使用的成员列表，跳过禁用项。
func AgentsFromConfig(in []config.AgentConfig) []decision.Agent {
	out := make([]decision.Agent, 0, len(in))
	for _, a := range in {
		if !a.IsEnabled() {
			continue
		}
		out = append(out, decision.Agent{
			ID:      a.ID,
			Name:    a.DisplayName(),
			Role:    decision.Role(a.Role),
			Weight:  a.EffectiveWeight(),
			Backend: a.Backend,
			Model:   a.Model,
			Persona: a.Persona,
			Timeout: time.Duration(a.TimeoutSeconds) * time.Second,
			Propose: a.Proposes(),
		})
	}
	return out
}

type EngineOption func(*Engine)

// WithEvents 注册轮次事件回调，回调不能阻塞。
func WithEvents(fn func(Event)) EngineOption {
	return func(e *Engine) { e.emit = fn }
}

// WithClock 替换时间源，测试用。
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	invoker  Invoker
	audit    Appender
	settings Settings
	now      func() time.Time
	emit     func(Event)
}

func NewEngine(invoker Invoker, audit Appender, settings Settings, opts ...EngineOption) *Engine {
	e := &Engine{
		invoker:  invoker,
		audit:    audit,
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settings 返回引擎参数的副本。
func (e *Engine) Settings() Settings { return e.settings }

// cycle 为单次审议的可变状态，只在 Run 的 goroutine 内使用。
type cycle struct {
	id      string
	frozen  *snapshot.Frozen
	roster  []decision.Agent
	weights map[string]float64
	params  decision.CycleParams
	state   decision.State
	round   int
	seq     int
	label   decision.Label
	records []decision.RoundRecord
}

// Run 执行一个完整 cycle。返回 error 仅表示硬错误（审计写入失败、快照漂移），
// 此时 Result.Records 仍包含已写入的轮次。
func (e *Engine) Run(ctx context.Context, cycleID string, frozen *snapshot.Frozen, roster []decision.Agent) (Result, error) {
	if frozen == nil {
		return Result{CycleID: cycleID}, fmt.Errorf("cycle %s: snapshot is nil", cycleID)
	}
	if len(roster) == 0 {
		return Result{CycleID: cycleID, Symbol: frozen.Symbol()}, fmt.Errorf("cycle %s: roster is empty", cycleID)
	}
	c := e.newCycle(cycleID, frozen, roster)
	res := Result{CycleID: cycleID, Symbol: frozen.Symbol(), Fingerprint: frozen.Fingerprint(), StartedAt: e.now()}
	out, err := e.deliberate(ctx, c)
	res.Records = c.records
	res.FinishedAt = e.now()
	if err != nil {
		return res, err
	}
	res.Outcome = out
	return res, nil
}

func (e *Engine) newCycle(id string, frozen *snapshot.Frozen, roster []decision.Agent) *cycle {
	agents := append([]decision.Agent(nil), roster...)
	weights := make(map[string]float64, len(agents))
	for _, a := range agents {
		weights[a.ID] = a.Weight
	}
	s := e.settings
	return &cycle{
		id:      id,
		frozen:  frozen,
		roster:  agents,
		weights: weights,
		state:   decision.StateContextVoting,
		params: decision.CycleParams{
			Symbol:              frozen.Symbol(),
			SnapshotFingerprint: frozen.Fingerprint(),
			Balance:             frozen.Balance(),
			Threshold:           s.Threshold,
			MaxDebateRounds:     s.MaxDebateRounds,
			Rubric:              s.Rubric,
			RolePriority:        append([]decision.Role(nil), s.RolePriority...),
			Limits:              s.Limits,
			Weights:             weights,
			Roster:              agents,
		},
	}
}

func (e *Engine) deliberate(ctx context.Context, c *cycle) (decision.Outcome, error) {
	s := e.settings
	log := logger.Cycle(c.id)

	// 背景投票与辩论
	phase := decision.PhaseContextVoting
	debate := 0
	var distribution []decision.LabelShare
	previous := make(map[string]decision.Label, len(c.roster))
	for {
		if ctx.Err() != nil {
			return e.cancelled(ctx, c)
		}
		rc := gateway.RoundContext{DebateRound: debate, Distribution: distribution, TechnicalWindow: s.TechnicalWindow}
		votes := e.collect(ctx, c, phase, isVoter, func(a decision.Agent) gateway.RoundContext {
			return rc.ForAgent(previous[a.ID])
		})
		for _, v := range votes {
			if v.Kind == decision.KindContext && v.Context != nil {
				previous[v.AgentID] = v.Context.Label
			}
		}
		m := decision.Majority(votes, c.weights, s.Threshold)
		result := decision.RoundResult{Majority: &m}
		if m.Reached {
			c.label = m.Label
			result.Note = fmt.Sprintf("majority %s with %.4g of %.4g weight", m.Label, shareOf(m, m.Label), m.TotalWeight)
			if err := e.close(ctx, c, phase, decision.StatePlanProposing, votes, result); err != nil {
				return decision.Outcome{}, err
			}
			break
		}
		if debate >= s.MaxDebateRounds {
			result.Note = fmt.Sprintf("no majority after %d debate rounds", debate)
			out := decision.Outcome{State: decision.StateNoConsensus, Hold: true, Reason: decision.ReasonNoConsensus}
			return out, e.finish(ctx, c, phase, votes, result, out)
		}
		debate++
		distribution = m.Distribution
		result.Note = fmt.Sprintf("no majority, debate %d/%d", debate, s.MaxDebateRounds)
		if err := e.close(ctx, c, phase, decision.StateDebate, votes, result); err != nil {
			return decision.Outcome{}, err
		}
		phase = decision.PhaseDebate
	}
	log.Info("背景达成一致", "label", c.label, "round", c.round)

	// 方案提出，魔鬼代言人同时给出反对意见
	if ctx.Err() != nil {
		return e.cancelled(ctx, c)
	}
	limits := s.Limits
	base := gateway.RoundContext{AgreedLabel: c.label, Limits: &limits, TechnicalWindow: s.TechnicalWindow}
	votes := e.collect(ctx, c, decision.PhasePlanProposing, isProposerOrCritic, sameContext(base))
	candidates := decision.CandidatesFromVotes(votes)
	critique := decision.CritiqueFromVotes(votes)
	if len(candidates) == 0 {
		out := decision.Outcome{State: decision.StateHold, Hold: true, Reason: decision.ReasonNoPlans}
		return out, e.finish(ctx, c, decision.PhasePlanProposing, votes, decision.RoundResult{Note: "no plan proposed"}, out)
	}
	note := fmt.Sprintf("%d plans proposed", len(candidates))
	if critique != nil {
		note += fmt.Sprintf(", %d objections raised", len(critique.Objections))
	}
	if err := e.close(ctx, c, decision.PhasePlanProposing, decision.StatePlanVoting, votes, decision.RoundResult{Note: note}); err != nil {
		return decision.Outcome{}, err
	}

	// 方案评分
	if ctx.Err() != nil {
		return e.cancelled(ctx, c)
	}
	entries := make([]gateway.PlanEntry, 0, len(candidates))
	for _, cand := range candidates {
		entries = append(entries, gateway.PlanEntry{AgentID: cand.AgentID, Role: cand.Role, Plan: cand.Plan})
	}
	scoring := base
	scoring.Plans = entries
	votes = e.collect(ctx, c, decision.PhasePlanVoting, isVoter, sameContext(scoring))
	ranking := decision.Score(candidates, votes, c.weights, s.Rubric, s.RolePriority)
	winner := ranking[0]
	var objections []decision.Objection
	if critique != nil {
		objections = decision.CheckCritique(*critique, winner.Plan)
	}
	review := decision.HasHard(objections)
	result := decision.RoundResult{Ranking: ranking, Objections: objections}
	switch {
	case winner.Scorers == 0:
		result.Note = "no plan received a peer score"
		out := decision.Outcome{State: decision.StateHold, Hold: true, Reason: decision.ReasonNoScores}
		return out, e.finish(ctx, c, decision.PhasePlanVoting, votes, result, out)
	case winner.Plan.Direction == decision.DirectionHold:
		result.Note = fmt.Sprintf("winning plan from %s is hold", winner.AgentID)
		out := decision.Outcome{State: decision.StateHold, Hold: true, Reason: decision.ReasonPlanHold, Objections: objections}
		return out, e.finish(ctx, c, decision.PhasePlanVoting, votes, result, out)
	}
	result.Note = fmt.Sprintf("plan from %s ranked first with %.4g", winner.AgentID, winner.Total)
	if review {
		result.Note += ", hard objection violated"
	}
	if err := e.close(ctx, c, decision.PhasePlanVoting, decision.StateExecutionValidating, votes, result); err != nil {
		return decision.Outcome{}, err
	}

	// 执行前校验，不调用 agent
	if ctx.Err() != nil {
		return e.cancelled(ctx, c)
	}
	c.round++
	violations := decision.ValidateConstraints(winner.Plan, c.label, c.frozen.Balance(), s.Limits)
	validation := decision.RoundResult{Violations: violations}
	if len(violations) > 0 {
		validation.Note = fmt.Sprintf("%d constraint checks failed", len(violations))
		out := decision.Outcome{
			State:            decision.StateHold,
			Hold:             true,
			Reason:           decision.ConstraintReason(violations[0].Check),
			NeedsHumanReview: review,
			Objections:       objections,
			Violations:       violations,
		}
		return out, e.finish(ctx, c, decision.PhaseExecutionValidating, nil, validation, out)
	}
	d := decision.Decision{
		CycleID:              c.id,
		Symbol:               c.frozen.Symbol(),
		Direction:            winner.Plan.Direction,
		Entry:                winner.Plan.Entry,
		StopLoss:             winner.Plan.StopLoss,
		TakeProfit:           append([]float64(nil), winner.Plan.TakeProfit...),
		PositionSizeFraction: winner.Plan.PositionSizeFraction,
		Rationale:            winner.Plan.Rationale,
		ProposedBy:           winner.AgentID,
		Score:                winner.Total,
		Context:              c.label,
	}
	reason := fmt.Sprintf("validated %s plan from %s", d.Direction, d.ProposedBy)
	if review {
		reason += ", flagged for human review"
	}
	validation.Note = "all constraint checks passed"
	out := decision.Outcome{
		State:            decision.StateDecision,
		Reason:           reason,
		Decision:         &d,
		NeedsHumanReview: review,
		Objections:       objections,
	}
	return out, e.finish(ctx, c, decision.PhaseExecutionValidating, nil, validation, out)
}

// collect 开启新的一轮并并发调用被选中的 agent。
// 未被调用的成员记为 not_invoked 弃权；Seq 在本轮结束后按 roster 顺序分配。
func (e *Engine) collect(ctx context.Context, c *cycle, phase decision.Phase, invoked func(decision.Agent) bool, contextFor func(decision.Agent) gateway.RoundContext) []decision.Vote {
	c.round++
	round := c.round
	// 本轮调用与调用方取消解耦，只受本轮截止时间约束。
	callCtx := context.WithoutCancel(ctx)
	if e.settings.RoundTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.settings.RoundTimeout)
		defer cancel()
	}
	votes := make([]decision.Vote, len(c.roster))
	var eg errgroup.Group
	for i, agent := range c.roster {
		if !invoked(agent) {
			votes[i] = decision.Abstain(agent, decision.AbstainNotInvoked, "not invoked in "+string(phase))
			continue
		}
		rc := contextFor(agent)
		rc.Phase, rc.Round = phase, round
		eg.Go(func() error {
			votes[i] = e.invoke(callCtx, c.frozen, agent, rc)
			return nil
		})
	}
	_ = eg.Wait()
	for i := range votes {
		c.seq++
		votes[i].Seq = c.seq
		votes[i].AgentID = c.roster[i].ID
		votes[i].Role = c.roster[i].Role
		votes[i].Round = round
		votes[i].Phase = phase
	}
	return votes
}

func (e *Engine) invoke(ctx context.Context, frozen *snapshot.Frozen, agent decision.Agent, rc gateway.RoundContext) (vote decision.Vote) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("agent %s panic in %s: %v", agent.ID, rc.Phase, r)
			vote = decision.Abstain(agent, decision.AbstainUnavailable, fmt.Sprintf("panic: %v", r))
		}
	}()
	vote, aerr := e.invoker.Invoke(ctx, agent, frozen, rc)
	if aerr != nil {
		logger.Debugf("agent %s 弃权 (%s round %d): %v", agent.ID, rc.Phase, rc.Round, aerr)
		if !vote.Abstained() {
			vote = decision.Abstain(agent, aerr.Reason, aerr.Error())
		}
	}
	return vote
}

// close 写入本轮审计记录并迁移状态。
func (e *Engine) close(ctx context.Context, c *cycle, phase decision.Phase, to decision.State, votes []decision.Vote, result decision.RoundResult) error {
	rec := decision.RoundRecord{
		CycleID:  c.id,
		Round:    c.round,
		Phase:    phase,
		From:     c.state,
		To:       to,
		Votes:    votes,
		Result:   result,
		ClosedAt: e.now().UTC(),
	}
	if len(c.records) == 0 {
		params := c.params
		rec.Params = &params
	}
	// 取消后也必须落盘。
	if err := e.audit.Append(context.WithoutCancel(ctx), c.id, rec); err != nil {
		return fmt.Errorf("cycle %s: append round %d: %w", c.id, rec.Round, err)
	}
	c.records = append(c.records, rec)
	c.state = to
	if e.emit != nil {
		e.emit(roundEvent(rec))
	}
	return nil
}

// finish 写入终态记录；终态前再次核对快照指纹。
func (e *Engine) finish(ctx context.Context, c *cycle, phase decision.Phase, votes []decision.Vote, result decision.RoundResult, out decision.Outcome) error {
	if err := c.frozen.Verify(); err != nil {
		return fmt.Errorf("cycle %s: %w", c.id, err)
	}
	result.Outcome = &out
	return e.close(ctx, c, phase, out.State, votes, result)
}

// cancelled 在轮次边界处理取消：写入一条无投票的终态记录。
func (e *Engine) cancelled(ctx context.Context, c *cycle) (decision.Outcome, error) {
	c.round++
	out := decision.Outcome{State: decision.StateHold, Hold: true, Reason: decision.ReasonCancelled}
	result := decision.RoundResult{Note: "cancelled before " + strings.TrimPrefix(string(c.state), "terminal_")}
	if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
		result.Note += ": " + cause.Error()
	}
	logger.Cycle(c.id).Warn("cycle 已取消", "state", c.state, "round", c.round)
	return out, e.finish(ctx, c, decision.PhaseTerminal, nil, result, out)
}

func isVoter(a decision.Agent) bool { return !a.IsDevilsAdvocate() }

func isProposerOrCritic(a decision.Agent) bool { return a.IsDevilsAdvocate() || a.Propose }

func sameContext(rc gateway.RoundContext) func(decision.Agent) gateway.RoundContext {
	return func(decision.Agent) gateway.RoundContext { return rc }
}

func shareOf(m decision.MajorityResult, label decision.Label) float64 {
	for _, s := range m.Distribution {
		if s.Label == label {
			return s.Weight
		}
	}
	return 0
}
