package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"council/internal/council"
	"council/internal/decision"
	"council/internal/logger"
	"council/internal/snapshot"
	"council/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CycleService 为 HTTP 层依赖的议会服务能力，由 council.Service 实现。
type CycleService interface {
	Submit(ctx context.Context, snap snapshot.Snapshot) (string, <-chan council.Result, error)
	Cancel(cycleID string) bool
	Live() []council.LiveCycle
	Audit(ctx context.Context, cycleID string) ([]decision.RoundRecord, error)
	Outcome(ctx context.Context, cycleID string) (decision.Outcome, error)
	Summary(ctx context.Context, cycleID string) (store.CycleSummary, error)
	List(ctx context.Context, q store.CycleQuery) ([]store.CycleSummary, error)
	Replay(ctx context.Context, cycleID string) (decision.ReplayReport, error)
	Hub() *council.Hub
}

// Server 提供 /api/cycles、事件流与指标接口。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 HTTP 服务依赖；Metrics 为空时不暴露 /metrics。
type ServerConfig struct {
	Addr    string
	Service CycleService
	Metrics prometheus.Gatherer
}

// NewServer 构建 HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("http server requires council service")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	return &Server{addr: cfg.Addr, router: newEngine(cfg)}, nil
}

func newEngine(cfg ServerConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{})))
	}
	api := NewRouter(cfg.Service)
	api.Register(router.Group("/api"))
	return router
}

// Handler 返回底层 http.Handler，测试与嵌入时使用。
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}

// requestLogger 记录每个请求的状态码与耗时。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		c.Next()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
