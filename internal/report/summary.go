package report

import (
	"fmt"
	"strings"

	"council/internal/decision"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	roundStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3B82F6"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	decisionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#10B981"))

	holdStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F59E0B"))

	reviewStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EF4444"))

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)
)

// Summary 渲染终端摘要：逐轮一行（阶段、状态迁移、票数、聚合结论），最后是终态。
func Summary(cycleID string, records []decision.RoundRecord, out decision.Outcome) string {
	var b strings.Builder
	head := "cycle " + cycleID
	if len(records) > 0 && records[0].Params != nil {
		head = fmt.Sprintf("%s  %s", head, strings.ToUpper(records[0].Params.Symbol))
	}
	b.WriteString(titleStyle.Render(head))
	b.WriteString("\n")
	for _, rec := range records {
		b.WriteString(roundStyle.Render(fmt.Sprintf("R%-2d %-20s", rec.Round, rec.Phase)))
		b.WriteString(" ")
		b.WriteString(mutedStyle.Render(fmt.Sprintf("%s -> %s", rec.From, rec.To)))
		b.WriteString("  ")
		b.WriteString(roundLine(rec))
		b.WriteString("\n")
	}
	b.WriteString(boxStyle.Render(outcomeText(out)))
	b.WriteString("\n")
	return b.String()
}

func roundLine(rec decision.RoundRecord) string {
	voted, abstained := 0, 0
	for _, v := range rec.Votes {
		if v.Abstained() {
			abstained++
			continue
		}
		voted++
	}
	parts := []string{fmt.Sprintf("votes=%d abstain=%d", voted, abstained)}
	res := rec.Result
	if m := res.Majority; m != nil {
		if m.Reached {
			parts = append(parts, "majority="+string(m.Label))
		} else {
			parts = append(parts, "split")
		}
	}
	if len(res.Ranking) > 0 {
		top := res.Ranking[0]
		parts = append(parts, fmt.Sprintf("top=%s %.2f", top.AgentID, top.Total))
	}
	if n := len(res.Objections); n > 0 {
		parts = append(parts, fmt.Sprintf("objections=%d", n))
	}
	if n := len(res.Violations); n > 0 {
		parts = append(parts, fmt.Sprintf("violations=%d", n))
	}
	if res.Note != "" {
		parts = append(parts, res.Note)
	}
	return strings.Join(parts, " ")
}

func outcomeText(out decision.Outcome) string {
	var lines []string
	switch {
	case out.Decision != nil:
		d := out.Decision
		lines = append(lines, decisionStyle.Render(fmt.Sprintf("%s %s", strings.ToUpper(d.Symbol), strings.ToUpper(string(d.Direction)))))
		lines = append(lines, fmt.Sprintf("entry %.4f  stop %.4f  tp %s  size %.4f", d.Entry, d.StopLoss, joinFloats(d.TakeProfit), d.PositionSizeFraction))
		lines = append(lines, fmt.Sprintf("proposed by %s, score %.2f, context %s", d.ProposedBy, d.Score, d.Context))
	default:
		lines = append(lines, holdStyle.Render("HOLD"))
	}
	lines = append(lines, mutedStyle.Render(fmt.Sprintf("%s: %s", out.State, out.Reason)))
	if out.NeedsHumanReview {
		lines = append(lines, reviewStyle.Render("needs human review"))
	}
	for _, o := range out.Objections {
		kind := "soft"
		if o.Hard {
			kind = "hard"
		}
		lines = append(lines, fmt.Sprintf("objection %s (%s) %s", o.Rule, kind, o.Reason))
	}
	for _, v := range out.Violations {
		lines = append(lines, fmt.Sprintf("violation %s %s", v.Check, v.Detail))
	}
	return strings.Join(lines, "\n")
}

func joinFloats(vals []float64) string {
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		parts = append(parts, fmt.Sprintf("%.4f", v))
	}
	return strings.Join(parts, "/")
}
