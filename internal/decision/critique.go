package decision

// CheckCritique 返回胜出方案实际违反的反对意见（含 soft），顺序与 critique 中一致。
// 无法识别的规则被忽略。
func CheckCritique(c Critique, plan Plan) []Objection {
	var out []Objection
	for _, obj := range c.Objections {
		if objectionViolated(obj, plan) {
			out = append(out, obj)
		}
	}
	return out
}

// HasHard 判断是否存在硬性反对。
func HasHard(objs []Objection) bool {
	for _, o := range objs {
		if o.Hard {
			return true
		}
	}
	return false
}

func objectionViolated(obj Objection, plan Plan) bool {
	switch obj.Rule {
	case RuleMaxStopDistancePct:
		return obj.Limit > 0 && StopDistancePct(plan)-obj.Limit > epsilon
	case RuleMaxPositionFraction:
		return obj.Limit > 0 && plan.PositionSizeFraction-obj.Limit > epsilon
	case RuleForbidDirection:
		return obj.Direction != "" && obj.Direction == plan.Direction
	case RuleMinRewardRisk:
		return obj.Limit > 0 && obj.Limit-RewardRisk(plan) > epsilon
	}
	return false
}
