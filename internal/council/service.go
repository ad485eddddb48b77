package council

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"council/internal/config"
	"council/internal/decision"
	"council/internal/execution"
	"council/internal/logger"
	"council/internal/snapshot"
	"council/internal/store"

	"github.com/google/uuid"
)

// 中文说明：
// Service 管理并发运行的多个 cycle：提交、按 id 取消、查询终态与审计记录。
// 每个 cycle 结束后都会写索引、记指标，决策再交给下游（dry-run 时只记日志）。

// RosterSource 提供 cycle 开始时的 roster 快照。
type RosterSource interface {
	Snapshot() config.RosterSnapshot
}

// Recorder 为 cycle 级指标。
type Recorder interface {
	CycleStarted()
	CycleFinished(out decision.Outcome, rounds int)
	Handoff(sink string, err error)
}

type ServiceOptions struct {
	DryRun           bool
	EnrichTechnicals bool
	TechnicalWindow  snapshot.Window
	MaxLiveCycles    int
}

type Service struct {
	opts     ServiceOptions
	roster   RosterSource
	invoker  Invoker
	settings Settings
	audit    store.AuditLog
	index    store.CycleIndex
	sinks    *execution.Sinks
	metrics  Recorder
	hub      *Hub
	now      func() time.Time

	mu     sync.Mutex
	live   map[string]*liveCycle
	closed bool
	wg     sync.WaitGroup
}

type liveCycle struct {
	cancel  context.CancelCauseFunc
	symbol  string
	started time.Time
}

// LiveCycle 为运行中 cycle 的简要信息。
type LiveCycle struct {
	CycleID   string    `json:"cycle_id"`
	Symbol    string    `json:"symbol"`
	StartedAt time.Time `json:"started_at"`
}

// NewService 组装服务；index、sinks、metrics 均可为 nil。
func NewService(opts ServiceOptions, roster RosterSource, invoker Invoker, settings Settings, audit store.AuditLog, index store.CycleIndex, sinks *execution.Sinks, metrics Recorder, hub *Hub) *Service {
	if hub == nil {
		hub = NewHub()
	}
	return &Service{
		opts:     opts,
		roster:   roster,
		invoker:  invoker,
		settings: settings,
		audit:    audit,
		index:    index,
		sinks:    sinks,
		metrics:  metrics,
		hub:      hub,
		now:      time.Now,
		live:     make(map[string]*liveCycle),
	}
}

func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) DryRun() bool { return s.opts.DryRun }

// Submit 校验并冻结快照后异步启动 cycle。快照非法时立即返回 ErrInvalidSnapshot，不开始任何轮次。
// 返回的通道在 cycle 结束时收到唯一一个 Result。
func (s *Service) Submit(ctx context.Context, snap snapshot.Snapshot) (string, <-chan Result, error) {
	if s.opts.EnrichTechnicals {
		window := s.opts.TechnicalWindow
		if window == "" {
			window = snapshot.Window4h
		}
		if filled := snapshot.EnrichTechnicals(&snap, window); len(filled) > 0 {
			logger.Debugf("%s 补全技术指标: %v", snap.Symbol, filled)
		}
	}
	frozen, err := snapshot.Freeze(snap)
	if err != nil {
		return "", nil, err
	}
	roster := AgentsFromConfig(s.roster.Snapshot().Agents)
	if len(roster) == 0 {
		return "", nil, fmt.Errorf("roster has no enabled agents")
	}

	id := uuid.NewString()
	cycleCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel(ErrServiceClosed)
		return "", nil, ErrServiceClosed
	}
	if limit := s.opts.MaxLiveCycles; limit > 0 && len(s.live) >= limit {
		s.mu.Unlock()
		cancel(ErrTooManyCycles)
		return "", nil, fmt.Errorf("%w: limit %d", ErrTooManyCycles, limit)
	}
	started := s.now()
	s.live[id] = &liveCycle{cancel: cancel, symbol: frozen.Symbol(), started: started}
	s.wg.Add(1)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CycleStarted()
	}
	s.hub.Publish(Event{Type: EventCycleStarted, CycleID: id, Symbol: frozen.Symbol(), At: started})
	logger.Infof("cycle %s 开始: %s (%d agents, snapshot %s)", id, frozen.Symbol(), len(roster), frozen.Fingerprint()[:12])

	done := make(chan Result, 1)
	go func() {
		defer s.wg.Done()
		defer cancel(nil)
		res := s.execute(cycleCtx, id, frozen, roster)
		s.mu.Lock()
		delete(s.live, id)
		s.mu.Unlock()
		done <- res
		close(done)
	}()
	return id, done, nil
}

// Run 同步执行一个 cycle。ctx 取消会在下一个轮次边界生效，并仍然返回完整结果。
func (s *Service) Run(ctx context.Context, snap snapshot.Snapshot) (Result, error) {
	id, done, err := s.Submit(ctx, snap)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-done:
		return res, res.Err
	case <-ctx.Done():
		s.cancelWithCause(id, context.Cause(ctx))
		res := <-done
		return res, res.Err
	}
}

// Cancel 请求取消运行中的 cycle；cycle 不存在或已结束时返回 false。
func (s *Service) Cancel(cycleID string) bool {
	return s.cancelWithCause(cycleID, decision.ErrCycleCancelled)
}

func (s *Service) cancelWithCause(cycleID string, cause error) bool {
	s.mu.Lock()
	lc, ok := s.live[cycleID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	lc.cancel(cause)
	return true
}

// Live 返回运行中的 cycle，按开始时间排序。
func (s *Service) Live() []LiveCycle {
	s.mu.Lock()
	out := make([]LiveCycle, 0, len(s.live))
	for id, lc := range s.live {
		out = append(out, LiveCycle{CycleID: id, Symbol: lc.symbol, StartedAt: lc.started})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CycleID < out[j].CycleID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (s *Service) isLive(cycleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[cycleID]
	return ok
}

// Audit 返回 cycle 的全部轮次记录（运行中的 cycle 返回已结束的轮次）。
func (s *Service) Audit(ctx context.Context, cycleID string) ([]decision.RoundRecord, error) {
	recs, err := s.audit.Read(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 && !s.isLive(cycleID) {
		return nil, fmt.Errorf("cycle %s: %w", cycleID, store.ErrNotFound)
	}
	return recs, nil
}

// Outcome 返回终态；cycle 仍在运行时返回 ErrCycleRunning。
func (s *Service) Outcome(ctx context.Context, cycleID string) (decision.Outcome, error) {
	if s.isLive(cycleID) {
		return decision.Outcome{}, fmt.Errorf("cycle %s: %w", cycleID, ErrCycleRunning)
	}
	if s.index != nil {
		sum, err := s.index.Get(ctx, cycleID)
		if err == nil && sum.Outcome != nil {
			return *sum.Outcome, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return decision.Outcome{}, err
		}
	}
	recs, err := s.Audit(ctx, cycleID)
	if err != nil {
		return decision.Outcome{}, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if out := recs[i].Result.Outcome; out != nil {
			return *out, nil
		}
	}
	return decision.Outcome{}, fmt.Errorf("cycle %s has no terminal record: %w", cycleID, store.ErrNotFound)
}

// Summary 返回索引中的摘要。
func (s *Service) Summary(ctx context.Context, cycleID string) (store.CycleSummary, error) {
	if s.index == nil {
		return store.CycleSummary{}, fmt.Errorf("cycle index disabled: %w", store.ErrNotFound)
	}
	return s.index.Get(ctx, cycleID)
}

func (s *Service) List(ctx context.Context, q store.CycleQuery) ([]store.CycleSummary, error) {
	if s.index == nil {
		return nil, nil
	}
	return s.index.List(ctx, q)
}

// Replay 仅凭审计记录重新运行聚合器并比对。
func (s *Service) Replay(ctx context.Context, cycleID string) (decision.ReplayReport, error) {
	recs, err := s.Audit(ctx, cycleID)
	if err != nil {
		return decision.ReplayReport{}, err
	}
	return decision.Replay(recs)
}

// Close 拒绝新的 cycle，取消运行中的 cycle 并等待它们写完终态。
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, lc := range s.live {
		lc.cancel(ErrServiceClosed)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Service) execute(ctx context.Context, id string, frozen *snapshot.Frozen, roster []decision.Agent) Result {
	engine := NewEngine(s.invoker, s.audit, s.settings, WithEvents(s.hub.Publish), WithClock(s.now))
	res, err := engine.Run(ctx, id, frozen, roster)
	res.DryRun = s.opts.DryRun
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		logger.Errorf("cycle %s 中止: %v", id, err)
	} else {
		res.Handoff = s.handoff(context.WithoutCancel(ctx), res)
		logger.Infof("cycle %s 结束: %s (%s), %d rounds", id, res.Outcome.State, res.Outcome.Reason, len(res.Records))
	}
	if s.metrics != nil {
		out := res.Outcome
		if res.Err != nil {
			out = decision.Outcome{State: stateFailed, Reason: "internal_error"}
		}
		s.metrics.CycleFinished(out, len(res.Records))
	}
	if s.index != nil {
		if err := s.index.Save(context.WithoutCancel(ctx), res.Summary()); err != nil {
			logger.Errorf("cycle %s 写入索引失败: %v", id, err)
		}
	}
	ev := Event{Type: EventCycleFinished, CycleID: id, Symbol: res.Symbol, Round: len(res.Records), Error: res.Error, At: res.FinishedAt}
	if res.Err == nil {
		out := res.Outcome
		ev.Outcome = &out
		ev.To = out.State
	}
	s.hub.Publish(ev)
	return res
}

// handoff 返回下游处理结果的简述，写入索引。
func (s *Service) handoff(ctx context.Context, res Result) string {
	env, ok := execution.NewEnvelope(res.CycleID, res.Fingerprint, res.Outcome, res.FinishedAt)
	if !ok {
		return ""
	}
	if s.opts.DryRun {
		logger.Infof("dry-run: 决策 %s 不交给下游 (%s %s)", res.CycleID, env.Symbol, env.Decision.Direction)
		return "dry_run"
	}
	if s.sinks == nil {
		return ""
	}
	if env.NeedsHumanReview {
		n := s.sinks.Notifier
		err := n.NotifyReview(ctx, env)
		s.recordHandoff(n.Name(), err)
		if err != nil {
			logger.Errorf("cycle %s 复核提醒发送失败 (%s): %v", res.CycleID, n.Name(), err)
			return "review_error: " + err.Error()
		}
		return "review:" + n.Name()
	}
	h := s.sinks.Handoff
	err := h.Deliver(ctx, env)
	s.recordHandoff(h.Name(), err)
	if err != nil {
		logger.Errorf("cycle %s 决策投递失败 (%s): %v", res.CycleID, h.Name(), err)
		return "error: " + err.Error()
	}
	return h.Name()
}

func (s *Service) recordHandoff(sink string, err error) {
	if s.metrics != nil {
		s.metrics.Handoff(sink, err)
	}
}
