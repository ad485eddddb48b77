package decision

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Mismatch 描述回放结果与审计记录不一致之处。
type Mismatch struct {
	Round    int    `json:"round"`
	Phase    Phase  `json:"phase"`
	Field    string `json:"field"`
	Recorded string `json:"recorded"`
	Replayed string `json:"replayed"`
}

// ReplayReport 为一次回放的结论。
type ReplayReport struct {
	CycleID    string     `json:"cycle_id"`
	Rounds     int        `json:"rounds"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
	Outcome    *Outcome   `json:"outcome,omitempty"`
}

func (r ReplayReport) Consistent() bool { return len(r.Mismatches) == 0 }

// Replay 仅凭审计记录重新运行聚合器，逐轮比对结果。
// 第一条记录必须携带 CycleParams。
func Replay(records []RoundRecord) (ReplayReport, error) {
	if len(records) == 0 {
		return ReplayReport{}, fmt.Errorf("replay: no records")
	}
	p := records[0].Params
	if p == nil {
		return ReplayReport{}, fmt.Errorf("replay: round %d carries no cycle params", records[0].Round)
	}
	report := ReplayReport{CycleID: records[0].CycleID, Rounds: len(records)}
	var (
		label      Label
		candidates []Candidate
		critique   *Critique
		winner     *RankedPlan
	)
	compare := func(rec RoundRecord, field string, recorded, replayed any) error {
		a, err := json.Marshal(recorded)
		if err != nil {
			return err
		}
		b, err := json.Marshal(replayed)
		if err != nil {
			return err
		}
		if !bytes.Equal(a, b) {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Round: rec.Round, Phase: rec.Phase, Field: field,
				Recorded: string(a), Replayed: string(b),
			})
		}
		return nil
	}
	for i, rec := range records {
		if rec.Round != i+1 {
			return report, fmt.Errorf("replay: expected round %d, got %d", i+1, rec.Round)
		}
		var err error
		switch rec.Phase {
		case PhaseContextVoting, PhaseDebate:
			m := Majority(rec.Votes, p.Weights, p.Threshold)
			err = compare(rec, "majority", rec.Result.Majority, &m)
			if m.Reached {
				label = m.Label
			}
		case PhasePlanProposing:
			candidates = CandidatesFromVotes(rec.Votes)
			critique = CritiqueFromVotes(rec.Votes)
		case PhasePlanVoting:
			ranking := Score(candidates, rec.Votes, p.Weights, p.Rubric, p.RolePriority)
			if err = compare(rec, "ranking", rec.Result.Ranking, ranking); err != nil {
				break
			}
			winner = nil
			var objections []Objection
			if len(ranking) > 0 {
				winner = &ranking[0]
				if critique != nil {
					objections = CheckCritique(*critique, winner.Plan)
				}
			}
			err = compare(rec, "objections", rec.Result.Objections, objections)
		case PhaseExecutionValidating:
			if winner == nil {
				return report, fmt.Errorf("replay: round %d validates without a winning plan", rec.Round)
			}
			violations := ValidateConstraints(winner.Plan, label, p.Balance, p.Limits)
			err = compare(rec, "violations", rec.Result.Violations, violations)
		}
		if err != nil {
			return report, fmt.Errorf("replay: encode round %d: %w", rec.Round, err)
		}
		if rec.Result.Outcome != nil {
			out := *rec.Result.Outcome
			report.Outcome = &out
		}
	}
	return report, nil
}

// CritiqueFromVotes 返回 plan_proposing 轮中魔鬼代言人的反对意见（副本），没有则返回 nil。
func CritiqueFromVotes(votes []Vote) *Critique {
	for _, v := range votes {
		if v.Kind == KindCritique && v.Critique != nil {
			c := *v.Critique
			return &c
		}
	}
	return nil
}
