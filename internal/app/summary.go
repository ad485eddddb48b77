package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"council/internal/config"
	"council/internal/execution"
)

type StartupSummary struct {
	Council  CouncilSummary
	Agents   []AgentSummary
	Backends []string
	Store    config.StoreConfig
	Handoff  string
	Notifier string
	HTTPAddr string
	Inbox    string
}

type CouncilSummary struct {
	Threshold       float64
	MaxDebateRounds int
	RoundTimeout    string
	RolePriority    []string
	DryRun          bool
	MaxLiveCycles   int
	RosterPath      string
}

type AgentSummary struct {
	ID      string
	Role    string
	Weight  float64
	Backend string
	Propose bool
	Enabled bool
}

func newStartupSummary(cfg *config.Config, backends []string, agents []config.AgentConfig, sinks *execution.Sinks, httpAddr string) *StartupSummary {
	s := &StartupSummary{
		Council: CouncilSummary{
			Threshold:       cfg.Council.MajorityThreshold,
			MaxDebateRounds: cfg.Council.MaxDebateRounds,
			RoundTimeout:    cfg.Council.RoundTimeout().String(),
			RolePriority:    cfg.Council.RolePriority,
			DryRun:          cfg.Council.DryRun,
			MaxLiveCycles:   cfg.Council.MaxLiveCycles,
			RosterPath:      cfg.Council.RosterPath,
		},
		Backends: backends,
		Store:    cfg.Store,
		HTTPAddr: httpAddr,
	}
	if cfg.Inbox.Enabled {
		s.Inbox = cfg.Inbox.Dir
	}
	if sinks != nil {
		s.Handoff = sinks.Handoff.Name()
		s.Notifier = sinks.Notifier.Name()
	}
	for _, a := range agents {
		s.Agents = append(s.Agents, AgentSummary{
			ID:      a.ID,
			Role:    a.Role,
			Weight:  a.EffectiveWeight(),
			Backend: a.Backend,
			Propose: a.Proposes(),
			Enabled: a.IsEnabled(),
		})
	}
	return s
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[议会 (COUNCIL)]")
	fmt.Fprintf(w, "  多数阈值: %.2f\n", s.Council.Threshold)
	fmt.Fprintf(w, "  最大辩论轮数: %d\n", s.Council.MaxDebateRounds)
	fmt.Fprintf(w, "  单轮超时: %s\n", s.Council.RoundTimeout)
	fmt.Fprintf(w, "  平局角色顺序: %s\n", formatList(s.Council.RolePriority))
	fmt.Fprintf(w, "  并发 cycle 上限: %d\n", s.Council.MaxLiveCycles)
	fmt.Fprintf(w, "  dry-run: %v\n", s.Council.DryRun)
	if s.Council.RosterPath != "" {
		fmt.Fprintf(w, "  roster 文件: %s (热加载)\n", s.Council.RosterPath)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[成员 (ROSTER)]")
	if len(s.Agents) == 0 {
		fmt.Fprintln(w, "  (无配置)")
	}
	for _, a := range s.Agents {
		flags := make([]string, 0, 2)
		if a.Propose {
			flags = append(flags, "proposer")
		}
		if !a.Enabled {
			flags = append(flags, "disabled")
		}
		fmt.Fprintf(w, "  > %-12s role=%-16s weight=%.2f backend=%s %s\n", a.ID, a.Role, a.Weight, a.Backend, strings.Join(flags, ","))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[后端与存储 (BACKENDS & STORE)]")
	fmt.Fprintf(w, "  后端: %s\n", formatList(s.Backends))
	fmt.Fprintf(w, "  审计日志: %s\n", s.Store.AuditPath)
	fmt.Fprintf(w, "  cycle 索引: %s\n", s.Store.IndexPath)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[下游 (EXECUTION)]")
	fmt.Fprintf(w, "  决策投递: %s\n", orDash(s.Handoff))
	fmt.Fprintf(w, "  复核提醒: %s\n", orDash(s.Notifier))
	fmt.Fprintf(w, "  HTTP: %s\n", orDash(s.HTTPAddr))
	fmt.Fprintf(w, "  收件箱: %s\n", orDash(s.Inbox))
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
