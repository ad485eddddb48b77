package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"council/internal/decision"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// prepare 校验记录并返回其规范 JSON 与摘要；摘要用于判断重复追加是否相同。
func prepare(cycleID string, rec decision.RoundRecord) (decision.RoundRecord, []byte, string, error) {
	cycleID = strings.TrimSpace(cycleID)
	if cycleID == "" {
		return rec, nil, "", fmt.Errorf("audit append: empty cycle id")
	}
	if rec.CycleID == "" {
		rec.CycleID = cycleID
	}
	if rec.CycleID != cycleID {
		return rec, nil, "", fmt.Errorf("audit append: record belongs to cycle %s, not %s", rec.CycleID, cycleID)
	}
	if rec.Round <= 0 {
		return rec, nil, "", fmt.Errorf("audit append: round must be >= 1, got %d", rec.Round)
	}
	rec.ClosedAt = rec.ClosedAt.UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec, nil, "", fmt.Errorf("encode audit record: %w", err)
	}
	sum := sha256.Sum256(raw)
	return rec, raw, hex.EncodeToString(sum[:]), nil
}
