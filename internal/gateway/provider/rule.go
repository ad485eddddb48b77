package provider

import (
	"context"
	"fmt"
	"math"
	"strings"

	"council/internal/decision"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RuleBackend 是确定性的规则引擎成员：不依赖任何模型，
// 只读取快照与轮次上下文的 JSON，按角色给出背景判断、ATR 方案、评分或反对意见。
type RuleBackend struct {
	name string
}

func NewRule(name string) *RuleBackend { return &RuleBackend{name: name} }

func (b *RuleBackend) Name() string { return b.name }

func (b *RuleBackend) Call(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prior := gjson.ParseBytes(req.Prior)
	m := readMarket(gjson.ParseBytes(req.Snapshot), prior.Get("technical_window").String())
	if m.price <= 0 {
		return "", fmt.Errorf("rule backend: snapshot has no usable price")
	}
	var out any
	switch decision.Phase(req.Phase) {
	case decision.PhaseContextVoting:
		label, why := m.classify(decision.Role(req.Role))
		out = decision.ContextVote{Label: label, Rationale: why}
	case decision.PhaseDebate:
		out = m.debate(decision.Role(req.Role), prior)
	case decision.PhasePlanProposing:
		if decision.Role(req.Role) == decision.RoleDevilsAdvocate {
			out = m.critique(prior)
		} else {
			out = m.plan(decision.Role(req.Role), prior)
		}
	case decision.PhasePlanVoting:
		out = m.score(req.AgentID, prior)
	default:
		return "", fmt.Errorf("rule backend: unsupported phase %q", req.Phase)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

type market struct {
	price       float64
	ema20       float64
	ema50       float64
	ema200      float64
	rsi         float64
	macdHist    float64
	atr         float64
	sentiment   float64
	sentiment7d float64
	news        float64
}

func readMarket(snap gjson.Result, window string) market {
	if window == "" {
		window = "4h"
	}
	tech := snap.Get("technicals")
	m := market{
		ema20:       tech.Get("ema20").Float(),
		ema50:       tech.Get("ema50").Float(),
		ema200:      tech.Get("ema200").Float(),
		rsi:         tech.Get("rsi14").Float(),
		macdHist:    tech.Get("macd.hist").Float(),
		atr:         tech.Get("atr14").Float(),
		sentiment7d: snap.Get("sentiment.7d").Float(),
	}
	if closes := snap.Get("ohlcv." + gjsonEscape(window) + ".#.close").Array(); len(closes) > 0 {
		m.price = closes[len(closes)-1].Float()
	} else {
		m.price = m.ema20
	}
	var sum float64
	var n int
	snap.Get("sentiment").ForEach(func(_, v gjson.Result) bool {
		sum += v.Float()
		n++
		return true
	})
	if n > 0 {
		m.sentiment = sum / float64(n)
	}
	sum, n = 0, 0
	snap.Get("news").ForEach(func(_, items gjson.Result) bool {
		for _, it := range items.Array() {
			sum += it.Get("sentiment").Float()
			n++
		}
		return true
	})
	if n > 0 {
		m.news = sum / float64(n)
	}
	return m
}

func gjsonEscape(key string) string {
	return strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`).Replace(key)
}

func sign(v, deadband float64) int {
	switch {
	case v > deadband:
		return 1
	case v < -deadband:
		return -1
	}
	return 0
}

func (m market) technicalScore() int {
	s := sign(m.ema20-m.ema50, 0) + sign(m.ema50-m.ema200, 0) + sign(m.macdHist, 0)
	switch {
	case m.rsi > 55:
		s++
	case m.rsi > 0 && m.rsi < 45:
		s--
	}
	return s
}

// classify 返回标签及理由；conviction 为 |score| 是否明显超过阈值。
func (m market) classify(role decision.Role) (decision.Label, string) {
	label, why, _ := m.classifyWithConviction(role)
	return label, why
}

func (m market) classifyWithConviction(role decision.Role) (decision.Label, string, bool) {
	var score, threshold int
	var why string
	switch role {
	case decision.RoleTechnician:
		score, threshold = m.technicalScore(), 2
		why = fmt.Sprintf("ema20/50/200 stack, rsi %.1f, macd hist %.4g", m.rsi, m.macdHist)
	case decision.RoleSentiment:
		blended := m.sentiment + 0.5*m.news
		score, threshold = sign(blended, 0.15), 1
		why = fmt.Sprintf("blended sentiment %.2f", blended)
	case decision.RoleMacro:
		score = sign(m.price-m.ema200, 0) + sign(m.ema50-m.ema200, 0) + sign(m.sentiment7d, 0.1)
		threshold = 2
		why = fmt.Sprintf("price vs ema200 %.2f%%, 7d sentiment %.2f", pct(m.price, m.ema200), m.sentiment7d)
	case decision.RoleRisk:
		if m.atr/m.price > 0.04 {
			return decision.LabelUncertain, fmt.Sprintf("atr %.2f%% of price, volatility too high", 100*m.atr/m.price), true
		}
		score = sign(m.ema20-m.ema50, 0) + sign(m.ema50-m.ema200, 0)
		threshold = 2
		why = fmt.Sprintf("trend stack with atr %.2f%% of price", 100*m.atr/m.price)
	default:
		score = m.technicalScore() + 2*sign(m.sentiment, 0.15)
		threshold = 3
		why = fmt.Sprintf("technical score %d, sentiment %.2f", m.technicalScore(), m.sentiment)
	}
	strong := abs(score) > threshold
	switch {
	case score >= threshold:
		return decision.LabelBullish, why, strong
	case score <= -threshold:
		return decision.LabelBearish, why, strong
	}
	return decision.LabelUncertain, why, false
}

// debate 立场不够坚定时向加权领先的标签靠拢，否则坚持原判断。
func (m market) debate(role decision.Role, prior gjson.Result) decision.ContextVote {
	own, why, strong := m.classifyWithConviction(role)
	var leader decision.Label
	best := -1.0
	for _, share := range prior.Get("distribution").Array() {
		if w := share.Get("weight").Float(); w > best+1e-9 {
			best = w
			leader = decision.Label(share.Get("label").String())
		}
	}
	if !strong && leader.Valid() && leader != own && best > 0 {
		return decision.ContextVote{Label: leader, Rationale: fmt.Sprintf("revised toward %s after debate; %s", leader, why)}
	}
	return decision.ContextVote{Label: own, Rationale: "restated: " + why}
}

type limits struct {
	minRR     float64
	maxFrac   float64
	maxRisk   float64
	hasLimits bool
}

func readLimits(prior gjson.Result) limits {
	l := limits{minRR: 2, maxFrac: 0.1, maxRisk: 0.02}
	if v := prior.Get("limits.min_reward_risk"); v.Exists() {
		l.minRR = v.Float()
		l.hasLimits = true
	}
	if v := prior.Get("limits.max_position_fraction"); v.Exists() && v.Float() > 0 {
		l.maxFrac = v.Float()
	}
	if v := prior.Get("limits.max_risk_per_trade"); v.Exists() && v.Float() > 0 {
		l.maxRisk = v.Float()
	}
	return l
}

func (m market) plan(role decision.Role, prior gjson.Result) decision.Plan {
	label := decision.Label(prior.Get("agreed_label").String())
	var dir decision.Direction
	switch label {
	case decision.LabelBullish:
		dir = decision.DirectionBuy
	case decision.LabelBearish:
		dir = decision.DirectionSell
	default:
		return decision.Plan{Direction: decision.DirectionHold, Rationale: "no directional context"}
	}
	if m.atr <= 0 {
		return decision.Plan{Direction: decision.DirectionHold, Rationale: "atr unavailable"}
	}
	lim := readLimits(prior)
	mult, scale := 1.5, 1.0
	switch role {
	case decision.RoleRisk:
		mult, scale = 1.2, 0.5
	case decision.RoleMacro:
		mult = 2.0
	case decision.RoleSentiment:
		scale = 0.8
	}
	stopDist := mult * m.atr
	rrTarget := math.Max(lim.minRR, 2) * 1.2
	sgn := 1.0
	if dir == decision.DirectionSell {
		sgn = -1
	}
	entry := round(m.price, 8)
	frac := math.Min(lim.maxFrac, 0.9*lim.maxRisk*entry/stopDist) * scale
	frac = math.Floor(frac*1e4) / 1e4
	return decision.Plan{
		Direction:            dir,
		Entry:                entry,
		StopLoss:             round(entry-sgn*stopDist, 8),
		TakeProfit:           []float64{round(entry+sgn*stopDist*rrTarget, 8), round(entry+sgn*stopDist*rrTarget*1.5, 8)},
		PositionSizeFraction: frac,
		Rationale:            fmt.Sprintf("%s plan with %.1f ATR stop, target %.1fR", dir, mult, rrTarget),
	}
}

type scoreOut struct {
	Scores map[string]decision.PlanScore `json:"scores"`
}

func (m market) score(self string, prior gjson.Result) scoreOut {
	label := decision.Label(prior.Get("agreed_label").String())
	lim := readLimits(prior)
	out := scoreOut{Scores: map[string]decision.PlanScore{}}
	for _, item := range prior.Get("plans").Array() {
		id := item.Get("agent_id").String()
		if id == "" || id == self {
			continue
		}
		var p decision.Plan
		if err := json.Unmarshal([]byte(item.Get("plan").Raw), &p); err != nil {
			continue
		}
		out.Scores[id] = m.scorePlan(p, label, lim)
	}
	return out
}

func (m market) scorePlan(p decision.Plan, label decision.Label, lim limits) decision.PlanScore {
	if p.Direction == decision.DirectionHold || p.Entry <= 0 {
		return decision.PlanScore{DataAlignment: 1, RiskControl: 1, RewardRisk: 0, Realism: 1}
	}
	s := decision.PlanScore{}
	switch {
	case (label == decision.LabelBullish && p.Direction == decision.DirectionBuy) ||
		(label == decision.LabelBearish && p.Direction == decision.DirectionSell):
		s.DataAlignment = 5
	default:
		s.DataAlignment = 0.5
	}
	d := math.Abs(p.Entry-p.StopLoss) / math.Max(m.atr, 1e-12)
	switch {
	case d >= 1 && d <= 2.5:
		s.RiskControl = 5
	case d < 1 || d <= 4:
		s.RiskControl = 3
	default:
		s.RiskControl = 1
	}
	if p.PositionSizeFraction > lim.maxFrac {
		s.RiskControl = 1
	}
	s.RewardRisk = math.Min(5, round(decision.RewardRisk(p)*1.5, 4))
	switch gap := math.Abs(p.Entry-m.price) / m.price; {
	case gap <= 0.005:
		s.Realism = 5
	case gap <= 0.02:
		s.Realism = 3.5
	default:
		s.Realism = 1.5
	}
	return s
}

func (m market) critique(prior gjson.Result) decision.Critique {
	label := decision.Label(prior.Get("agreed_label").String())
	lim := readLimits(prior)
	c := decision.Critique{Summary: fmt.Sprintf("stress-testing %s consensus", label)}
	if m.atr > 0 {
		c.Objections = append(c.Objections, decision.Objection{
			Rule:   decision.RuleMaxStopDistancePct,
			Limit:  round(300*m.atr/m.price, 4),
			Hard:   true,
			Reason: "stop wider than 3 ATR is a thesis failure, not a stop",
		})
	}
	c.Objections = append(c.Objections, decision.Objection{
		Rule:   decision.RuleMinRewardRisk,
		Limit:  lim.minRR,
		Hard:   false,
		Reason: "nearest target must pay at least the configured multiple",
	})
	blended := m.sentiment + 0.5*m.news
	switch {
	case label == decision.LabelBullish && blended < -0.3:
		c.Objections = append(c.Objections, decision.Objection{
			Rule: decision.RuleForbidDirection, Direction: decision.DirectionBuy, Hard: true,
			Reason: fmt.Sprintf("crowd sentiment %.2f contradicts a long", blended),
		})
	case label == decision.LabelBearish && blended > 0.3:
		c.Objections = append(c.Objections, decision.Objection{
			Rule: decision.RuleForbidDirection, Direction: decision.DirectionSell, Hard: true,
			Reason: fmt.Sprintf("crowd sentiment %.2f contradicts a short", blended),
		})
	}
	return c
}

func pct(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return 100 * (a - b) / b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
