package decision

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSnapshot     = errors.New("invalid snapshot")
	ErrNoConsensus         = errors.New("no consensus")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrCycleCancelled      = errors.New("cycle cancelled")
	ErrDuplicateRound      = errors.New("duplicate round")
	ErrSnapshotDrift       = errors.New("snapshot fingerprint drift")

	ErrAgentTimeout     = errors.New("agent timeout")
	ErrAgentMalformed   = errors.New("agent malformed response")
	ErrAgentUnavailable = errors.New("agent backend unavailable")
)

// AgentError 是网关对单次调用失败的分类，最终转化为弃权票。
type AgentError struct {
	Reason  AbstainReason
	AgentID string
	Phase   Phase
	Err     error
}

func (e *AgentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("agent %s %s: %s", e.AgentID, e.Phase, e.Reason)
	}
	return fmt.Sprintf("agent %s %s: %s: %v", e.AgentID, e.Phase, e.Reason, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

func (e *AgentError) Is(target error) bool {
	switch target {
	case ErrAgentTimeout:
		return e.Reason == AbstainTimeout
	case ErrAgentMalformed:
		return e.Reason == AbstainMalformed
	case ErrAgentUnavailable:
		return e.Reason == AbstainUnavailable
	}
	return false
}

// SnapshotError 汇总快照校验失败的全部问题。
type SnapshotError struct {
	Issues []string
}

func (e *SnapshotError) Error() string {
	return "invalid snapshot: " + strings.Join(e.Issues, "; ")
}

func (e *SnapshotError) Is(target error) bool { return target == ErrInvalidSnapshot }
