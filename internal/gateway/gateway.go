package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"council/internal/config"
	"council/internal/decision"
	"council/internal/gateway/provider"
	"council/internal/logger"
	"council/internal/pkg/circuit"
	"council/internal/snapshot"
)

// 中文说明：
// Gateway 是 Round Engine 与后端之间的唯一边界：
// 渲染提示、带超时调用后端、解析并按 schema 校验响应，把一切失败归类为 AgentError。
// 后端即使忽略 ctx，网关也会在截止时间返回，调用 goroutine 自行结束。

// Observer 接收每次调用的结果，用于指标。
type Observer interface {
	ObserveCall(agentID, backend string, phase decision.Phase, elapsed time.Duration, reason decision.AbstainReason)
	ObserveBreaker(backend string, state circuit.State)
}

type Option func(*Gateway)

func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

func WithPrompts(p *Prompts) Option {
	return func(g *Gateway) { g.prompts = p }
}

type Gateway struct {
	backends map[string]provider.Backend
	breakers map[string]*circuit.Breaker
	prompts  *Prompts
	observer Observer
}

// New 以后端实例与其预设（熔断阈值、冷却时间）构建网关。
func New(backends map[string]provider.Backend, presets map[string]config.BackendConfig, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		backends: backends,
		breakers: make(map[string]*circuit.Breaker, len(backends)),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.prompts == nil {
		p, err := NewPrompts()
		if err != nil {
			return nil, err
		}
		g.prompts = p
	}
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		preset := presets[name]
		br := circuit.New(name, preset.FailureThreshold, time.Duration(preset.CooldownSeconds)*time.Second)
		if g.observer != nil {
			obs := g.observer
			br.OnStateChange(func(name string, from, to circuit.State) {
				logger.Warnf("后端熔断器 %s 状态变更: %s -> %s", name, from, to)
				obs.ObserveBreaker(name, to)
			})
		}
		g.breakers[name] = br
	}
	return g, nil
}

// Backends 返回已注册的后端名称（排序）。
func (g *Gateway) Backends() []string {
	out := make([]string, 0, len(g.backends))
	for name := range g.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoke 调用一个 agent 并返回其投票。ctx 的截止时间即本轮截止时间，
// agent 自身的 Timeout 只能收紧它。失败时返回的 Vote 已是对应的弃权票。
func (g *Gateway) Invoke(ctx context.Context, agent decision.Agent, frozen *snapshot.Frozen, rc RoundContext) (decision.Vote, *decision.AgentError) {
	start := time.Now()
	fail := func(reason decision.AbstainReason, err error) (decision.Vote, *decision.AgentError) {
		aerr := &decision.AgentError{Reason: reason, AgentID: agent.ID, Phase: rc.Phase, Err: err}
		vote := decision.Abstain(agent, reason, err.Error())
		g.stamp(&vote, rc)
		g.observe(agent, rc.Phase, time.Since(start), reason)
		logger.Warnf("agent %s 在 %s 阶段弃权: %s (%v)", agent.ID, rc.Phase, reason, err)
		return vote, aerr
	}

	kind, err := ExpectedKind(rc.Phase, agent.Role)
	if err != nil {
		return fail(decision.AbstainUnavailable, err)
	}
	backend, ok := g.backends[agent.Backend]
	if !ok {
		return fail(decision.AbstainUnavailable, fmt.Errorf("unknown backend %q", agent.Backend))
	}
	breaker := g.breakers[agent.Backend]
	if breaker != nil && !breaker.Allow() {
		return fail(decision.AbstainUnavailable, fmt.Errorf("backend %s: %w", agent.Backend, circuit.ErrOpen))
	}
	schema := schemaFor(kind)
	system, instruction, err := g.prompts.Render(agent, frozen.Symbol(), kind, rc)
	if err != nil {
		g.releaseProbe(breaker)
		return fail(decision.AbstainUnavailable, err)
	}
	prior, err := json.Marshal(rc)
	if err != nil {
		g.releaseProbe(breaker)
		return fail(decision.AbstainUnavailable, err)
	}
	req := provider.Request{
		AgentID:     agent.ID,
		Role:        string(agent.Role),
		Phase:       string(rc.Phase),
		Round:       rc.Round,
		Model:       agent.Model,
		Persona:     agent.Persona,
		System:      system,
		Instruction: instruction,
		Snapshot:    frozen.JSON(),
		Prior:       prior,
		Schema:      schema.raw,
	}

	callCtx := ctx
	if agent.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, agent.Timeout)
		defer cancel()
	}
	logger.LogAgentRequest(agent.ID, string(rc.Phase), system, instruction, string(req.Snapshot))
	raw, err := call(callCtx, backend, req)
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	logger.LogAgentResponse(agent.ID, string(rc.Phase), raw, errText)

	switch {
	case err != nil && callCtx.Err() != nil:
		recordFailure(breaker)
		return fail(decision.AbstainTimeout, fmt.Errorf("%s after %s: %w", agent.Backend, time.Since(start).Round(time.Millisecond), decision.ErrAgentTimeout))
	case err != nil:
		recordFailure(breaker)
		return fail(decision.AbstainUnavailable, err)
	case strings.TrimSpace(raw) == "":
		recordFailure(breaker)
		return fail(decision.AbstainUnavailable, provider.ErrNoResponse)
	}
	// 能返回内容即视为后端健康，内容不合规只影响本票。
	if breaker != nil {
		breaker.RecordSuccess()
	}
	vote, err := parseResponse(raw, schema)
	if err != nil {
		return fail(decision.AbstainMalformed, err)
	}
	vote.AgentID = agent.ID
	vote.Role = agent.Role
	g.stamp(&vote, rc)
	g.observe(agent, rc.Phase, time.Since(start), "")
	return vote, nil
}

func (g *Gateway) stamp(v *decision.Vote, rc RoundContext) {
	v.Round = rc.Round
	v.Phase = rc.Phase
}

func (g *Gateway) observe(agent decision.Agent, phase decision.Phase, elapsed time.Duration, reason decision.AbstainReason) {
	if g.observer != nil {
		g.observer.ObserveCall(agent.ID, agent.Backend, phase, elapsed, reason)
	}
}

// releaseProbe 在未调用后端就失败时结束半开探测，避免探测名额一直被占用。
func (g *Gateway) releaseProbe(b *circuit.Breaker) {
	if b != nil && b.State() == circuit.StateHalfOpen {
		b.RecordFailure()
	}
}

func recordFailure(b *circuit.Breaker) {
	if b != nil {
		b.RecordFailure()
	}
}

type callResult struct {
	raw string
	err error
}

// call 在独立 goroutine 中调用后端，ctx 结束即返回；
// 结果通道带缓冲，迟到的结果不会阻塞 goroutine。
func call(ctx context.Context, b provider.Backend, req provider.Request) (string, error) {
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("backend %s panic: %v", b.Name(), r)}
			}
		}()
		raw, err := b.Call(ctx, req)
		done <- callResult{raw: raw, err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil && errors.Is(res.err, ctx.Err()) {
			return "", ctx.Err()
		}
		return res.raw, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
