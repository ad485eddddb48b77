package decision

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// 执行校验项，按检查顺序排列。
const (
	CheckMissingLevels          = "missing_levels"
	CheckInvalidStopDirection   = "invalid_stop_direction"
	CheckInvalidTakeProfit      = "invalid_take_profit_direction"
	CheckDirectionContext       = "direction_context_mismatch"
	CheckPositionSizeInvalid    = "position_size_invalid"
	CheckPositionSizeExceedsCap = "position_size_exceeds_cap"
	CheckInsufficientBalance    = "insufficient_balance"
	CheckMaxRiskExceeded        = "max_risk_exceeded"
	CheckRewardRiskBelowMin     = "reward_risk_below_min"
)

// RiskLimits 为执行前的确定性约束。
type RiskLimits struct {
	MinRewardRisk       float64 `json:"min_reward_risk"`
	MaxPositionFraction float64 `json:"max_position_fraction"`
	MaxRiskPerTrade     float64 `json:"max_risk_per_trade"`
	MinNotional         float64 `json:"min_notional"`
}

// Violation 为一条未通过的校验。
type Violation struct {
	Check  string `json:"check"`
	Detail string `json:"detail,omitempty"`
}

var (
	decimalEps  = decimal.NewFromFloat(epsilon)
	decimalZero = decimal.Zero
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// ValidateConstraints 依次执行全部校验并返回未通过项；空切片表示通过。
// 价位缺失时直接返回，其余检查都依赖价位。
func ValidateConstraints(plan Plan, label Label, balance float64, limits RiskLimits) []Violation {
	var out []Violation
	add := func(check, format string, args ...any) {
		out = append(out, Violation{Check: check, Detail: fmt.Sprintf(format, args...)})
	}
	if missing := missingLevels(plan); missing != "" {
		add(CheckMissingLevels, "%s", missing)
		return out
	}
	stopOK := true
	switch plan.Direction {
	case DirectionBuy:
		if plan.StopLoss >= plan.Entry {
			stopOK = false
			add(CheckInvalidStopDirection, "buy requires stop_loss %.8g < entry %.8g", plan.StopLoss, plan.Entry)
		}
	case DirectionSell:
		if plan.StopLoss <= plan.Entry {
			stopOK = false
			add(CheckInvalidStopDirection, "sell requires stop_loss %.8g > entry %.8g", plan.StopLoss, plan.Entry)
		}
	}
	tpOK := true
	for _, tp := range plan.TakeProfit {
		if (plan.Direction == DirectionBuy && tp <= plan.Entry) || (plan.Direction == DirectionSell && tp >= plan.Entry) {
			tpOK = false
			add(CheckInvalidTakeProfit, "%s take_profit %.8g on wrong side of entry %.8g", plan.Direction, tp, plan.Entry)
			break
		}
	}
	if (label == LabelBullish && plan.Direction != DirectionBuy) || (label == LabelBearish && plan.Direction != DirectionSell) {
		add(CheckDirectionContext, "%s plan under %s context", plan.Direction, label)
	}

	frac := plan.PositionSizeFraction
	sizeOK := true
	switch {
	case math.IsNaN(frac) || math.IsInf(frac, 0) || frac <= 0:
		sizeOK = false
		add(CheckPositionSizeInvalid, "position_size_fraction %.6g must be > 0", frac)
	case frac-limits.MaxPositionFraction > epsilon:
		sizeOK = false
		add(CheckPositionSizeExceedsCap, "position_size_fraction %.6g > cap %.6g", frac, limits.MaxPositionFraction)
	}

	bal := decFromFloat(balance)
	notional := bal.Mul(decFromFloat(frac))
	if !bal.IsPositive() {
		add(CheckInsufficientBalance, "balance %.8g", balance)
	} else if sizeOK && notional.LessThan(decFromFloat(limits.MinNotional)) {
		add(CheckInsufficientBalance, "notional %s < min_notional %.8g", notional.StringFixed(2), limits.MinNotional)
	}

	if stopOK && sizeOK && bal.IsPositive() {
		entry := decFromFloat(plan.Entry)
		stopDist := entry.Sub(decFromFloat(plan.StopLoss)).Abs()
		loss := notional.Mul(stopDist).Div(entry)
		budget := bal.Mul(decFromFloat(limits.MaxRiskPerTrade))
		if loss.Sub(budget).GreaterThan(decimalEps) {
			add(CheckMaxRiskExceeded, "loss at stop %s > budget %s", loss.StringFixed(4), budget.StringFixed(4))
		}
	}

	if stopOK && tpOK {
		rr := RewardRisk(plan)
		if decFromFloat(limits.MinRewardRisk).Sub(decFromFloat(rr)).GreaterThan(decimalEps) {
			add(CheckRewardRiskBelowMin, "reward/risk %.4f < min %.4f", rr, limits.MinRewardRisk)
		}
	}
	return out
}

func missingLevels(plan Plan) string {
	finitePositive := func(v float64) bool { return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0) }
	switch {
	case plan.Direction != DirectionBuy && plan.Direction != DirectionSell:
		return fmt.Sprintf("direction %q is not executable", plan.Direction)
	case !finitePositive(plan.Entry):
		return "entry missing"
	case !finitePositive(plan.StopLoss):
		return "stop_loss missing"
	case len(plan.TakeProfit) == 0:
		return "take_profit missing"
	}
	for _, tp := range plan.TakeProfit {
		if !finitePositive(tp) {
			return "take_profit contains non-positive level"
		}
	}
	return ""
}

// RewardRisk 以最近的止盈位计算盈亏比；价位无效时返回 0。
func RewardRisk(plan Plan) float64 {
	entry := decFromFloat(plan.Entry)
	risk := entry.Sub(decFromFloat(plan.StopLoss)).Abs()
	if !risk.IsPositive() || len(plan.TakeProfit) == 0 {
		return 0
	}
	nearest := decFromFloat(plan.TakeProfit[0])
	for _, tp := range plan.TakeProfit[1:] {
		d := decFromFloat(tp)
		if d.Sub(entry).Abs().LessThan(nearest.Sub(entry).Abs()) {
			nearest = d
		}
	}
	return decToFloat(nearest.Sub(entry).Abs().Div(risk))
}

// StopDistancePct 返回止损距离占入场价的百分比。
func StopDistancePct(plan Plan) float64 {
	if plan.Entry <= 0 {
		return 0
	}
	entry := decFromFloat(plan.Entry)
	return decToFloat(entry.Sub(decFromFloat(plan.StopLoss)).Abs().Div(entry).Mul(decimal.NewFromInt(100)))
}
