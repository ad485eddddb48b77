package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"council/internal/decision"
	"council/internal/store"
	storemodel "council/internal/store/model"

	jsoniter "github.com/json-iterator/go"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type cycleModel = storemodel.CycleModel

const defaultListLimit = 50

// GormStore 为终态 cycle 的摘要索引（Gorm + SQLite）。
type GormStore struct {
	db *gorm.DB
}

var _ store.CycleIndex = (*GormStore)(nil)

// NewGormStore 打开索引库；path 为 ":memory:" 时使用内存库。
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 索引路径不能为空")
	}
	memory := path == ":memory:"
	dsn := "file::memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&cycleModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	conns := 2
	if memory {
		// 内存库每个连接各自独立，只能用单连接。
		conns = 1
	}
	sqlDB.SetMaxOpenConns(conns)
	sqlDB.SetMaxIdleConns(conns)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save 写入或覆盖 cycle 摘要。
func (s *GormStore) Save(ctx context.Context, sum store.CycleSummary) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(sum.CycleID) == "" {
		return fmt.Errorf("cycle_id 必填")
	}
	m, err := newCycleModel(sum)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cycle_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"symbol", "state", "reason", "direction", "rounds", "needs_human_review",
				"dry_run", "handoff", "fingerprint", "outcome", "started_at", "finished_at", "updated_at",
			}),
		}).
		Create(&m).Error
}

func (s *GormStore) MarkHandoff(ctx context.Context, cycleID, handoff string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	res := s.db.WithContext(ctx).Model(&cycleModel{}).
		Where("cycle_id = ?", cycleID).
		Updates(map[string]any{"handoff": handoff, "updated_at": time.Now().UnixMilli()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cycle %s: %w", cycleID, store.ErrNotFound)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, cycleID string) (store.CycleSummary, error) {
	if s == nil || s.db == nil {
		return store.CycleSummary{}, fmt.Errorf("gorm store 未初始化")
	}
	var m cycleModel
	err := s.db.WithContext(ctx).Where("cycle_id = ?", cycleID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.CycleSummary{}, fmt.Errorf("cycle %s: %w", cycleID, store.ErrNotFound)
	}
	if err != nil {
		return store.CycleSummary{}, err
	}
	return cycleModelToSummary(m)
}

// List 按完成时间倒序返回摘要。
func (s *GormStore) List(ctx context.Context, q store.CycleQuery) ([]store.CycleSummary, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	tx := s.db.WithContext(ctx).Model(&cycleModel{})
	if sym := strings.TrimSpace(q.Symbol); sym != "" {
		tx = tx.Where("symbol = ?", strings.ToUpper(sym))
	}
	if q.State != "" {
		tx = tx.Where("state = ?", string(q.State))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var models []cycleModel
	if err := tx.Order("finished_at DESC, id DESC").Limit(limit).Offset(q.Offset).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.CycleSummary, 0, len(models))
	for _, m := range models {
		sum, err := cycleModelToSummary(m)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func newCycleModel(sum store.CycleSummary) (cycleModel, error) {
	m := cycleModel{
		CycleID:          sum.CycleID,
		Symbol:           strings.ToUpper(strings.TrimSpace(sum.Symbol)),
		State:            string(sum.State),
		Reason:           sum.Reason,
		Direction:        string(sum.Direction),
		Rounds:           sum.Rounds,
		NeedsHumanReview: sum.NeedsHumanReview,
		DryRun:           sum.DryRun,
		Handoff:          sum.Handoff,
		Fingerprint:      sum.Fingerprint,
		StartedAtUnix:    sum.StartedAt.UnixMilli(),
		FinishedAtUnix:   sum.FinishedAt.UnixMilli(),
		UpdatedAtUnix:    time.Now().UnixMilli(),
	}
	if sum.Outcome != nil {
		raw, err := json.Marshal(sum.Outcome)
		if err != nil {
			return cycleModel{}, err
		}
		m.Outcome = datatypes.JSON(raw)
	}
	return m, nil
}

func cycleModelToSummary(m cycleModel) (store.CycleSummary, error) {
	sum := store.CycleSummary{
		CycleID:          m.CycleID,
		Symbol:           m.Symbol,
		State:            decision.State(m.State),
		Reason:           m.Reason,
		Direction:        decision.Direction(m.Direction),
		Rounds:           m.Rounds,
		NeedsHumanReview: m.NeedsHumanReview,
		DryRun:           m.DryRun,
		Handoff:          m.Handoff,
		Fingerprint:      m.Fingerprint,
		StartedAt:        time.UnixMilli(m.StartedAtUnix).UTC(),
		FinishedAt:       time.UnixMilli(m.FinishedAtUnix).UTC(),
	}
	if len(m.Outcome) > 0 {
		var out decision.Outcome
		if err := json.Unmarshal(m.Outcome, &out); err != nil {
			return store.CycleSummary{}, fmt.Errorf("decode outcome of %s: %w", m.CycleID, err)
		}
		sum.Outcome = &out
	}
	return sum, nil
}
