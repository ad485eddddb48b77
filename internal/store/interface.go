package store

import (
	"context"
	"errors"
	"time"

	"council/internal/decision"
)

// ErrNotFound 表示请求的 cycle 不存在。
var ErrNotFound = errors.New("not found")

// AuditLog 是 cycle 的逐轮追加日志。
type AuditLog interface {
	// Append 追加一轮记录；同一轮重复追加相同内容为空操作，内容不同返回 decision.ErrDuplicateRound。
	Append(ctx context.Context, cycleID string, rec decision.RoundRecord) error
	// Read 按轮次顺序返回全部记录；cycle 不存在时返回空切片。
	Read(ctx context.Context, cycleID string) ([]decision.RoundRecord, error)
	Close() error
}

// CycleSummary 为 cycle 索引中的一行，用于列表与查询，完整内容在 AuditLog。
type CycleSummary struct {
	CycleID          string             `json:"cycle_id"`
	Symbol           string             `json:"symbol"`
	State            decision.State     `json:"state"`
	Reason           string             `json:"reason"`
	Direction        decision.Direction `json:"direction,omitempty"`
	Rounds           int                `json:"rounds"`
	NeedsHumanReview bool               `json:"needs_human_review"`
	DryRun           bool               `json:"dry_run"`
	Handoff          string             `json:"handoff,omitempty"`
	Fingerprint      string             `json:"fingerprint"`
	Outcome          *decision.Outcome  `json:"outcome,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
}

// CycleQuery 为列表过滤条件。
type CycleQuery struct {
	Symbol string
	State  decision.State
	Limit  int
	Offset int
}

// CycleIndex 保存每个终态 cycle 的摘要。
type CycleIndex interface {
	Save(ctx context.Context, s CycleSummary) error
	// MarkHandoff 记录交付结果（成功为 sink 名称，失败为错误文本）。
	MarkHandoff(ctx context.Context, cycleID, handoff string) error
	Get(ctx context.Context, cycleID string) (CycleSummary, error)
	List(ctx context.Context, q CycleQuery) ([]CycleSummary, error)
	Close() error
}
