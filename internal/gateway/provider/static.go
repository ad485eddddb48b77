package provider

import (
	"context"
	"fmt"
	"strings"

	"council/internal/config"
)

// StaticBackend 按固定表回复，用于离线演示与回归。
// 查找顺序：<agent>/<phase>、<phase>、*。
type StaticBackend struct {
	name      string
	responses map[string]string
}

func NewStatic(name string, cfg config.BackendConfig) (*StaticBackend, error) {
	if len(cfg.Responses) == 0 {
		return nil, fmt.Errorf("backend %s: static backend requires responses", name)
	}
	table := make(map[string]string, len(cfg.Responses))
	for k, v := range cfg.Responses {
		table[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &StaticBackend{name: name, responses: table}, nil
}

func (b *StaticBackend) Name() string { return b.name }

func (b *StaticBackend) Call(_ context.Context, req Request) (string, error) {
	keys := []string{
		strings.ToLower(req.AgentID + "/" + req.Phase),
		strings.ToLower(req.Phase),
		"*",
	}
	for _, k := range keys {
		if resp, ok := b.responses[k]; ok {
			return resp, nil
		}
	}
	return "", fmt.Errorf("backend %s: no response for %s/%s", b.name, req.AgentID, req.Phase)
}
