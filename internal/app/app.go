package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"council/internal/config"
	"council/internal/council"
	"council/internal/logger"
	apihttp "council/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 服务与快照收件箱。
type App struct {
	cfg     *config.Config
	svc     *council.Service
	http    *apihttp.Server
	inbox   *Inbox
	closers []io.Closer
	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务与收件箱，直到 ctx 取消；退出前等待运行中的 cycle 写完终态。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.svc == nil {
		return fmt.Errorf("council service not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.Close()

	group, ctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	if a.inbox != nil {
		group.Go(func() error {
			if err := a.inbox.Run(ctx); err != nil {
				return fmt.Errorf("inbox watcher error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return group.Wait()
}

// Service 暴露底层议会服务（CLI 单次运行与测试使用）。
func (a *App) Service() *council.Service {
	if a == nil {
		return nil
	}
	return a.svc
}

// Close 先关闭服务（取消运行中的 cycle 并等待），再关闭存储与下游。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
