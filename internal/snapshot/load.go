package snapshot

import (
	"fmt"
	"io"
	"os"

	"council/internal/decision"
)

// Parse 解码 JSON 快照；不做校验，校验在 Freeze 时进行。
func Parse(raw []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, &decision.SnapshotError{Issues: []string{fmt.Sprintf("decode: %v", err)}}
	}
	return s, nil
}

// Read 从 reader 读取并解码快照。
func Read(r io.Reader) (Snapshot, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	return Parse(raw)
}

// LoadFile 从文件读取快照。
func LoadFile(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	return Parse(raw)
}
