package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"council/internal/config"
	"council/internal/council"
	"council/internal/execution"
	"council/internal/gateway"
	"council/internal/gateway/provider"
	"council/internal/logger"
	"council/internal/metrics"
	"council/internal/snapshot"
	"council/internal/store"
	"council/internal/store/auditlog"
	"council/internal/store/gormstore"
	apihttp "council/internal/transport/http/api"
)

type AppBuilder struct {
	cfg *config.Config

	backendsFn func(map[string]config.BackendConfig) (map[string]provider.Backend, error)
	auditFn    func(string) (store.AuditLog, error)
	indexFn    func(string) (store.CycleIndex, error)
	sinksFn    func(config.ExecutionConfig) (*execution.Sinks, error)
	rosterFn   func(*config.Config) (*config.RosterWatcher, error)

	withoutHTTP bool
}

type AppBuilderOption func(*AppBuilder)

// WithoutHTTP 不启动 HTTP 服务（CLI 单次运行）。
func WithoutHTTP() AppBuilderOption {
	return func(b *AppBuilder) { b.withoutHTTP = true }
}

// WithAuditLog 替换审计日志的构造（测试使用内存实现）。
func WithAuditLog(fn func(string) (store.AuditLog, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.auditFn = fn }
}

func WithCycleIndex(fn func(string) (store.CycleIndex, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.indexFn = fn }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		backendsFn: provider.BuildAll,
		auditFn:    openAuditLog,
		indexFn:    openCycleIndex,
		sinksFn:    execution.Build,
		rosterFn:   buildRoster,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func openAuditLog(path string) (store.AuditLog, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return auditlog.OpenSQL(path)
}

func openCycleIndex(path string) (store.CycleIndex, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return gormstore.NewGormStore(path)
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// buildRoster 配置了 roster_path 时监听该文件，否则使用主配置中的 agents。
func buildRoster(cfg *config.Config) (*config.RosterWatcher, error) {
	path := strings.TrimSpace(cfg.Council.RosterPath)
	if path == "" {
		return config.NewStaticRoster(cfg.Agents), nil
	}
	w, err := config.WatchRoster(path, cfg.Backends)
	if err != nil {
		return nil, err
	}
	w.Subscribe(func(snap config.RosterSnapshot) {
		logger.Infof("roster 已重载: version=%d agents=%d", snap.Version, len(snap.Agents))
	})
	return w, nil
}

func (b *AppBuilder) Build(ctx context.Context) (_ *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	recorder := metrics.New()
	backends, err := b.backendsFn(cfg.Backends)
	if err != nil {
		return nil, fmt.Errorf("初始化后端失败: %w", err)
	}
	gw, err := gateway.New(backends, cfg.Backends, gateway.WithObserver(recorder))
	if err != nil {
		return nil, err
	}
	logger.Infof("✓ 已加载 %d 个后端: %v", len(backends), gw.Backends())

	audit, err := b.auditFn(cfg.Store.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("打开审计日志失败: %w", err)
	}
	closers = append(closers, audit)

	index, err := b.indexFn(cfg.Store.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("打开 cycle 索引失败: %w", err)
	}
	closers = append(closers, index)

	sinks, err := b.sinksFn(cfg.Execution)
	if err != nil {
		return nil, fmt.Errorf("初始化下游失败: %w", err)
	}
	closers = append(closers, sinks)

	roster, err := b.rosterFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("加载 roster 失败: %w", err)
	}
	agents := roster.Snapshot().Agents
	logger.Infof("✓ roster 就绪: %d 个成员", len(agents))

	svc := council.NewService(council.ServiceOptions{
		DryRun:           cfg.Council.DryRun,
		EnrichTechnicals: cfg.Council.EnrichTechnicals,
		TechnicalWindow:  snapshot.Window(cfg.Council.TechnicalWindow),
		MaxLiveCycles:    cfg.Council.MaxLiveCycles,
	}, roster, gw, council.SettingsFrom(cfg), audit, index, sinks, recorder, council.NewHub())

	var httpSrv *apihttp.Server
	if !b.withoutHTTP && strings.TrimSpace(cfg.App.HTTPAddr) != "" {
		httpSrv, err = apihttp.NewServer(apihttp.ServerConfig{
			Addr:    cfg.App.HTTPAddr,
			Service: svc,
			Metrics: recorder.Registry(),
		})
		if err != nil {
			return nil, err
		}
	}

	var inbox *Inbox
	if cfg.Inbox.Enabled && !b.withoutHTTP {
		inbox = NewInbox(cfg.Inbox.Dir, svc)
	}

	return &App{
		cfg:     cfg,
		svc:     svc,
		http:    httpSrv,
		inbox:   inbox,
		closers: closers,
		Summary: newStartupSummary(cfg, gw.Backends(), agents, sinks, httpSrv.Addr()),
	}, nil
}
