package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

// 中文说明：
// Agent 调用日志：把每次发给 agent backend 的指令与原始回复写入独立文件，
// 便于事后对照审计记录排查“为什么这个 agent 弃权了”。

var (
	agentMu      sync.Mutex
	agentLog     *log.Logger
	agentDumpSet bool
)

func SetAgentWriter(w io.Writer) {
	agentMu.Lock()
	defer agentMu.Unlock()
	if w == nil {
		agentLog = nil
		return
	}
	agentLog = log.New(w, "", log.LstdFlags)
}

// EnableAgentPayloadDump 打开后请求日志会附带完整 snapshot JSON。
func EnableAgentPayloadDump(enabled bool) {
	agentMu.Lock()
	agentDumpSet = enabled
	agentMu.Unlock()
}

type agentSection struct {
	Title string
	Body  string
}

func writeAgentLog(kind, agentID, phase string, sections []agentSection) {
	agentMu.Lock()
	l := agentLog
	agentMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[AGENT][" + kind + "]")
	if agentID != "" {
		b.WriteString("[" + agentID + "]")
	}
	if phase != "" {
		b.WriteString("[" + phase + "]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		title := strings.TrimSpace(sec.Title)
		if title == "" {
			title = "CONTENT"
		}
		b.WriteString("--- " + title + " ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

func LogAgentRequest(agentID, phase, system, instruction, snapshotJSON string) {
	sections := []agentSection{
		{Title: "SYSTEM", Body: system},
		{Title: "INSTRUCTION", Body: instruction},
	}
	agentMu.Lock()
	dump := agentDumpSet
	agentMu.Unlock()
	if dump && strings.TrimSpace(snapshotJSON) != "" {
		sections = append(sections, agentSection{Title: "SNAPSHOT", Body: snapshotJSON})
	}
	writeAgentLog("request", agentID, phase, sections)
}

func LogAgentResponse(agentID, phase, raw string, errText string) {
	sections := []agentSection{{Title: "RAW", Body: raw}}
	if errText != "" {
		sections = append(sections, agentSection{Title: "ERROR", Body: errText})
	}
	writeAgentLog("response", agentID, phase, sections)
}
