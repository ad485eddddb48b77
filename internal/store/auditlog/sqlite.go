package auditlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"council/internal/decision"
	"council/internal/store"

	_ "modernc.org/sqlite"
)

// SQLStore 把每轮记录以 JSON 写入 SQLite，(cycle_id, round) 唯一。
type SQLStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ store.AuditLog = (*SQLStore)(nil)

// OpenSQL 打开（必要时创建）审计库。
func OpenSQL(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_rounds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			phase TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT,
			record_json TEXT NOT NULL,
			record_hash TEXT NOT NULL,
			closed_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_cycle_round ON audit_rounds(cycle_id, round);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Path() string { return s.path }

func (s *SQLStore) Append(ctx context.Context, cycleID string, rec decision.RoundRecord) error {
	rec, raw, hash, err := prepare(cycleID, rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("audit log 已关闭")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT record_hash FROM audit_rounds WHERE cycle_id = ? AND round = ?`, rec.CycleID, rec.Round,
	).Scan(&existing)
	switch {
	case err == nil:
		if existing == hash {
			return nil
		}
		return fmt.Errorf("cycle %s round %d: %w", rec.CycleID, rec.Round, decision.ErrDuplicateRound)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_rounds (cycle_id, round, phase, from_state, to_state, record_json, record_hash, closed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CycleID, rec.Round, string(rec.Phase), string(rec.From), string(rec.To),
		string(raw), hash, rec.ClosedAt.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Read(ctx context.Context, cycleID string) ([]decision.RoundRecord, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("audit log 已关闭")
	}
	rows, err := db.QueryContext(ctx,
		`SELECT record_json FROM audit_rounds WHERE cycle_id = ? ORDER BY round ASC`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]decision.RoundRecord, 0, 8)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec decision.RoundRecord
		if err := json.UnmarshalFromString(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
