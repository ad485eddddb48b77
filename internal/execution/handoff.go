package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"council/internal/config"
	"council/internal/decision"
	"council/internal/logger"

	jsoniter "github.com/json-iterator/go"
)

// 中文说明：
// execution 负责把终态决策交给下游：
// 普通决策走 Handoff（webhook / kafka / redis，可同时启用），
// 需要人工复核的决策只走 Notifier（telegram 或日志），不进入自动执行通道。

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope 为交给下游的决策消息。
type Envelope struct {
	CycleID          string               `json:"cycle_id"`
	Symbol           string               `json:"symbol"`
	Decision         decision.Decision    `json:"decision"`
	NeedsHumanReview bool                 `json:"needs_human_review"`
	Objections       []decision.Objection `json:"objections,omitempty"`
	Fingerprint      string               `json:"snapshot_fingerprint"`
	DecidedAt        time.Time            `json:"decided_at"`
}

// NewEnvelope 由终态构建消息；outcome 不含决策时返回 false。
func NewEnvelope(cycleID, fingerprint string, out decision.Outcome, at time.Time) (Envelope, bool) {
	if out.Decision == nil {
		return Envelope{}, false
	}
	return Envelope{
		CycleID:          cycleID,
		Symbol:           out.Decision.Symbol,
		Decision:         *out.Decision,
		NeedsHumanReview: out.NeedsHumanReview,
		Objections:       out.Objections,
		Fingerprint:      fingerprint,
		DecidedAt:        at.UTC(),
	}, true
}

func (e Envelope) payload() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode decision %s: %w", e.CycleID, err)
	}
	return raw, nil
}

// Handoff 把通过校验的决策交给执行方。
type Handoff interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// Notifier 推送需要人工复核的决策。
type Notifier interface {
	Name() string
	NotifyReview(ctx context.Context, env Envelope) error
}

// Multi 依次投递给全部下游，任一失败都会汇总返回，不影响其余下游。
type Multi []Handoff

func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, h := range m {
		names = append(names, h.Name())
	}
	return strings.Join(names, "+")
}

func (m Multi) Deliver(ctx context.Context, env Envelope) error {
	var errs []error
	for _, h := range m {
		if err := h.Deliver(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogHandoff 在未配置任何下游时使用，只记录日志。
type LogHandoff struct{}

func (LogHandoff) Name() string { return "log" }

func (LogHandoff) Deliver(_ context.Context, env Envelope) error {
	d := env.Decision
	logger.Infof("决策 %s %s %s entry=%.6g stop=%.6g tp=%v size=%.4g (proposed by %s)",
		env.CycleID, env.Symbol, d.Direction, d.Entry, d.StopLoss, d.TakeProfit, d.PositionSizeFraction, d.ProposedBy)
	return nil
}

// LogNotifier 在未配置 telegram 时使用。
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) NotifyReview(_ context.Context, env Envelope) error {
	logger.Warnf("决策 %s 需要人工复核:\n%s", env.CycleID, ReviewText(env))
	return nil
}

// ReviewText 为复核提醒的纯文本内容。
func ReviewText(env Envelope) string {
	d := env.Decision
	var b strings.Builder
	fmt.Fprintf(&b, "需人工复核 %s %s\n", env.Symbol, strings.ToUpper(string(d.Direction)))
	fmt.Fprintf(&b, "cycle: %s\n", env.CycleID)
	fmt.Fprintf(&b, "entry %.6g / stop %.6g / tp %s\n", d.Entry, d.StopLoss, joinFloats(d.TakeProfit))
	fmt.Fprintf(&b, "size %.4g, score %.4g, context %s, proposed by %s\n", d.PositionSizeFraction, d.Score, d.Context, d.ProposedBy)
	if len(env.Objections) > 0 {
		b.WriteString("objections:\n")
		for _, o := range env.Objections {
			kind := "soft"
			if o.Hard {
				kind = "hard"
			}
			fmt.Fprintf(&b, "- %s (%s)", o.Rule, kind)
			if o.Reason != "" {
				fmt.Fprintf(&b, ": %s", o.Reason)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func joinFloats(vals []float64) string {
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		parts = append(parts, fmt.Sprintf("%.6g", v))
	}
	return strings.Join(parts, ", ")
}

// Sinks 为按配置构建好的下游集合。
type Sinks struct {
	Handoff  Handoff
	Notifier Notifier
	closers  []io.Closer
}

func (s *Sinks) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build 按 execution 配置构建下游。未启用任何下游时退化为日志。
func Build(cfg config.ExecutionConfig) (*Sinks, error) {
	sinks := &Sinks{}
	var handoffs Multi
	if cfg.Webhook.Enabled {
		handoffs = append(handoffs, NewWebhook(cfg.Webhook))
	}
	if cfg.Kafka.Enabled {
		k := NewKafka(cfg.Kafka)
		handoffs = append(handoffs, k)
		sinks.closers = append(sinks.closers, k)
	}
	if cfg.Redis.Enabled {
		r := NewRedisQueue(cfg.Redis)
		handoffs = append(handoffs, r)
		sinks.closers = append(sinks.closers, r)
	}
	switch len(handoffs) {
	case 0:
		sinks.Handoff = LogHandoff{}
	case 1:
		sinks.Handoff = handoffs[0]
	default:
		sinks.Handoff = handoffs
	}
	sinks.Notifier = LogNotifier{}
	if cfg.Telegram.Enabled {
		tg, err := NewTelegram(cfg.Telegram)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks.Notifier = tg
	}
	return sinks, nil
}
