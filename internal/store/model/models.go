package model

import (
	"gorm.io/datatypes"
)

// CycleModel maps to 'council_cycles'; one row per terminal cycle.
type CycleModel struct {
	ID               int64          `gorm:"column:id;primaryKey"`
	CycleID          string         `gorm:"column:cycle_id;uniqueIndex"`
	Symbol           string         `gorm:"column:symbol;index"`
	State            string         `gorm:"column:state;index"`
	Reason           string         `gorm:"column:reason"`
	Direction        string         `gorm:"column:direction"`
	Rounds           int            `gorm:"column:rounds"`
	NeedsHumanReview bool           `gorm:"column:needs_human_review"`
	DryRun           bool           `gorm:"column:dry_run"`
	Handoff          string         `gorm:"column:handoff"`
	Fingerprint      string         `gorm:"column:fingerprint"`
	Outcome          datatypes.JSON `gorm:"column:outcome"`
	StartedAtUnix    int64          `gorm:"column:started_at"`
	FinishedAtUnix   int64          `gorm:"column:finished_at;index"`
	UpdatedAtUnix    int64          `gorm:"column:updated_at"`
}

func (CycleModel) TableName() string { return "council_cycles" }
