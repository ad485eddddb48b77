package decision

import "math"

// epsilon 为浮点比较容差。
const epsilon = 1e-9

// LabelShare 为某标签的加权支持度。
type LabelShare struct {
	Label  Label   `json:"label"`
	Weight float64 `json:"weight"`
	Votes  int     `json:"votes"`
}

// MajorityResult 为一次背景投票的聚合结果。
type MajorityResult struct {
	Reached      bool         `json:"reached"`
	Label        Label        `json:"label,omitempty"`
	Distribution []LabelShare `json:"distribution"`
	TotalWeight  float64      `json:"total_weight"`
	Threshold    float64      `json:"threshold"`
	Voters       int          `json:"voters"`
	Abstentions  int          `json:"abstentions"`
}

// Majority 统计非弃权 Context 票的加权支持度。
// 某标签的权重严格大于 threshold × 非弃权总权重时返回该标签；总权重为 0 时无结果。
// weights 中缺失的 agent 按 1 计。
func Majority(votes []Vote, weights map[string]float64, threshold float64) MajorityResult {
	res := MajorityResult{Threshold: threshold}
	support := make(map[Label]float64, len(Labels))
	counts := make(map[Label]int, len(Labels))
	for _, v := range votes {
		if v.Abstained() {
			res.Abstentions++
			continue
		}
		if v.Kind != KindContext || v.Context == nil || !v.Context.Label.Valid() {
			continue
		}
		w := weightOf(weights, v.AgentID)
		support[v.Context.Label] += w
		counts[v.Context.Label]++
		res.TotalWeight += w
		res.Voters++
	}
	res.Distribution = make([]LabelShare, 0, len(Labels))
	for _, l := range Labels {
		res.Distribution = append(res.Distribution, LabelShare{Label: l, Weight: support[l], Votes: counts[l]})
	}
	if res.TotalWeight <= epsilon {
		return res
	}
	need := threshold * res.TotalWeight
	for _, l := range Labels {
		if support[l]-need > epsilon {
			res.Reached = true
			res.Label = l
			break
		}
	}
	return res
}

func weightOf(weights map[string]float64, id string) float64 {
	if weights == nil {
		return 1
	}
	w, ok := weights[id]
	if !ok {
		return 1
	}
	if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		return 0
	}
	return w
}
