package gateway

import (
	"embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"council/internal/decision"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var roleTitles = map[decision.Role]string{
	decision.RoleMacro:          "macro analyst",
	decision.RoleSentiment:      "sentiment analyst",
	decision.RoleTechnician:     "technical analyst",
	decision.RoleRisk:           "risk manager",
	decision.RoleDevilsAdvocate: "devil's advocate",
	decision.RoleGeneric:        "council member",
}

var roleFocus = map[decision.Role]string{
	decision.RoleMacro:          "Focus on the long window trend, funding and open interest, and the 7d sentiment.",
	decision.RoleSentiment:      "Focus on news flow and the sentiment scalars across windows.",
	decision.RoleTechnician:     "Focus on the EMA stack, RSI, MACD, Bollinger bands and support/resistance.",
	decision.RoleRisk:           "Focus on volatility (ATR), stop placement and position sizing.",
	decision.RoleDevilsAdvocate: "Your job is to find what could go wrong with the council's view.",
	decision.RoleGeneric:        "Weigh every part of the snapshot.",
}

// Prompts 渲染 system 与各阶段指令；模板随二进制嵌入。
type Prompts struct {
	tmpl *template.Template
}

type promptData struct {
	Name      string
	RoleTitle string
	Focus     string
	Persona   string
	Symbol    string
	Window    string
	RC        RoundContext
}

func NewPrompts() (*Prompts, error) {
	tmpl, err := template.New("prompts").Funcs(template.FuncMap{
		"num": formatNum,
	}).ParseFS(promptFS, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &Prompts{tmpl: tmpl}, nil
}

// Render 返回 (system, instruction)。
func (p *Prompts) Render(agent decision.Agent, symbol string, kind decision.VoteKind, rc RoundContext) (string, string, error) {
	data := promptData{
		Name:      agent.ID,
		RoleTitle: roleTitles[agent.Role],
		Focus:     roleFocus[agent.Role],
		Persona:   strings.TrimSpace(agent.Persona),
		Symbol:    symbol,
		Window:    rc.TechnicalWindow,
		RC:        rc,
	}
	if agent.Name != "" {
		data.Name = agent.Name
	}
	if data.RoleTitle == "" {
		data.RoleTitle = roleTitles[decision.RoleGeneric]
		data.Focus = roleFocus[decision.RoleGeneric]
	}
	if data.Window == "" {
		data.Window = "4h"
	}
	system, err := p.execute("system", data)
	if err != nil {
		return "", "", err
	}
	var name string
	switch kind {
	case decision.KindContext:
		name = "context"
		if rc.Phase == decision.PhaseDebate {
			name = "debate"
		}
	case decision.KindPlan:
		name = "plan"
	case decision.KindCritique:
		name = "critique"
	case decision.KindScore:
		name = "score"
	default:
		return "", "", fmt.Errorf("no prompt for vote kind %q", kind)
	}
	instruction, err := p.execute(name, data)
	if err != nil {
		return "", "", err
	}
	return system, instruction, nil
}

func (p *Prompts) execute(name string, data promptData) (string, error) {
	var b strings.Builder
	if err := p.tmpl.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
