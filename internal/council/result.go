package council

import (
	"errors"
	"time"

	"council/internal/decision"
	"council/internal/store"
)

var (
	ErrCycleRunning  = errors.New("cycle still running")
	ErrServiceClosed = errors.New("council service closed")
	ErrTooManyCycles = errors.New("too many live cycles")
)

// stateFailed 仅用于索引：硬错误中止、未产生终态的 cycle。
const stateFailed decision.State = "failed"

// Result 为一次 cycle 的完整结果：终态与全部审计记录。
type Result struct {
	CycleID     string                 `json:"cycle_id"`
	Symbol      string                 `json:"symbol"`
	Fingerprint string                 `json:"snapshot_fingerprint"`
	Outcome     decision.Outcome       `json:"outcome"`
	Records     []decision.RoundRecord `json:"records"`
	Handoff     string                 `json:"handoff,omitempty"`
	DryRun      bool                   `json:"dry_run,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	Error       string                 `json:"error,omitempty"`

	Err error `json:"-"`
}

// Summary 转为索引行。
func (r Result) Summary() store.CycleSummary {
	sum := store.CycleSummary{
		CycleID:     r.CycleID,
		Symbol:      r.Symbol,
		State:       r.Outcome.State,
		Reason:      r.Outcome.Reason,
		Rounds:      len(r.Records),
		DryRun:      r.DryRun,
		Handoff:     r.Handoff,
		Fingerprint: r.Fingerprint,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if r.Err != nil {
		sum.State = stateFailed
		sum.Reason = r.Err.Error()
		return sum
	}
	out := r.Outcome
	sum.Outcome = &out
	sum.NeedsHumanReview = out.NeedsHumanReview
	if out.Decision != nil {
		sum.Direction = out.Decision.Direction
	}
	return sum
}
