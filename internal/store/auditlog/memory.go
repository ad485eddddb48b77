package auditlog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"council/internal/decision"
	"council/internal/store"
)

type memEntry struct {
	raw  []byte
	hash string
}

// MemoryStore 为进程内实现（测试与 dry run），同样只保存 JSON 副本。
type MemoryStore struct {
	mu     sync.RWMutex
	cycles map[string]map[int]memEntry
}

var _ store.AuditLog = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{cycles: make(map[string]map[int]memEntry)}
}

func (m *MemoryStore) Append(_ context.Context, cycleID string, rec decision.RoundRecord) error {
	rec, raw, hash, err := prepare(cycleID, rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rounds, ok := m.cycles[rec.CycleID]
	if !ok {
		rounds = make(map[int]memEntry)
		m.cycles[rec.CycleID] = rounds
	}
	if prev, ok := rounds[rec.Round]; ok {
		if prev.hash == hash {
			return nil
		}
		return fmt.Errorf("cycle %s round %d: %w", rec.CycleID, rec.Round, decision.ErrDuplicateRound)
	}
	rounds[rec.Round] = memEntry{raw: raw, hash: hash}
	return nil
}

func (m *MemoryStore) Read(_ context.Context, cycleID string) ([]decision.RoundRecord, error) {
	m.mu.RLock()
	rounds := m.cycles[cycleID]
	keys := make([]int, 0, len(rounds))
	for k := range rounds {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	raws := make([][]byte, 0, len(keys))
	for _, k := range keys {
		raws = append(raws, rounds[k].raw)
	}
	m.mu.RUnlock()

	out := make([]decision.RoundRecord, 0, len(raws))
	for _, raw := range raws {
		var rec decision.RoundRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
