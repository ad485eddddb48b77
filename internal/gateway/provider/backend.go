package provider

import (
	"context"
	"errors"
)

// 中文说明：
// Backend 是议会成员背后的唯一能力接口：给定提示与上下文，返回原始文本。
// 后端可以是托管模型、规则引擎或人工，网关不关心其实现。

// ErrNoResponse 表示后端返回了空内容。
var ErrNoResponse = errors.New("backend returned empty response")

// Request 为一次调用的全部输入。Snapshot 与 Prior 为 JSON，规则类后端直接解析它们。
type Request struct {
	AgentID     string
	Role        string
	Phase       string
	Round       int
	Model       string
	Persona     string
	System      string
	Instruction string
	Snapshot    []byte
	Prior       []byte
	Schema      string
}

type Backend interface {
	Name() string
	Call(ctx context.Context, req Request) (string, error)
}

// userMessage 把指令、先前轮次上下文与快照拼成单条用户消息。
func userMessage(req Request) string {
	msg := req.Instruction
	if len(req.Prior) > 0 {
		msg += "\n\n## ROUND CONTEXT\n" + string(req.Prior)
	}
	if len(req.Snapshot) > 0 {
		msg += "\n\n## SNAPSHOT\n" + string(req.Snapshot)
	}
	if req.Schema != "" {
		msg += "\n\n## RESPONSE JSON SCHEMA\n" + req.Schema
	}
	return msg
}

func pickModel(req Request, fallback string) string {
	if req.Model != "" {
		return req.Model
	}
	return fallback
}
