package apihttp

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"council/internal/council"
	"council/internal/decision"
	"council/internal/report"
	"council/internal/snapshot"
	"council/internal/store"

	"github.com/gin-gonic/gin"
)

// Router 暴露 cycle 的提交、查询、取消与回放接口。
type Router struct {
	svc CycleService
}

func NewRouter(svc CycleService) *Router {
	return &Router{svc: svc}
}

// Register 将路由挂载到给定分组下（通常为 /api）。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/cycles", r.handleSubmit)
	group.GET("/cycles", r.handleList)
	group.GET("/cycles/:id", r.handleCycle)
	group.DELETE("/cycles/:id", r.handleCancel)
	group.GET("/cycles/:id/audit", r.handleAudit)
	group.GET("/cycles/:id/replay", r.handleReplay)
	group.GET("/cycles/:id/chart", r.handleChart)
	group.GET("/cycles/:id/summary", r.handleSummaryText)
	group.GET("/events", r.handleEvents)
}

// statusOf 将服务层错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, decision.ErrInvalidSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, council.ErrCycleRunning):
		return http.StatusConflict
	case errors.Is(err, council.ErrTooManyCycles):
		return http.StatusTooManyRequests
	case errors.Is(err, council.ErrServiceClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

func wantWait(c *gin.Context) bool {
	switch strings.ToLower(strings.TrimSpace(c.Query("wait"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// handleSubmit 提交快照；?wait=1 时阻塞到 cycle 结束并返回完整结果。
// 客户端提前断开不会取消 cycle。
func (r *Router) handleSubmit(c *gin.Context) {
	snap, err := snapshot.Read(c.Request.Body)
	if err != nil {
		abort(c, err)
		return
	}
	id, done, err := r.svc.Submit(c.Request.Context(), snap)
	if err != nil {
		abort(c, err)
		return
	}
	if !wantWait(c) {
		c.JSON(http.StatusAccepted, gin.H{"cycle_id": id})
		return
	}
	select {
	case res := <-done:
		if res.Err != nil {
			c.JSON(http.StatusInternalServerError, res)
			return
		}
		c.JSON(http.StatusOK, res)
	case <-c.Request.Context().Done():
		c.JSON(http.StatusAccepted, gin.H{"cycle_id": id})
	}
}

func (r *Router) handleList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	q := store.CycleQuery{
		Symbol: strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
		State:  decision.State(strings.TrimSpace(c.Query("state"))),
		Limit:  limit,
		Offset: offset,
	}
	items, err := r.svc.List(c.Request.Context(), q)
	if err != nil {
		abort(c, err)
		return
	}
	if items == nil {
		items = []store.CycleSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "live": r.svc.Live(), "limit": limit, "offset": offset})
}

// handleCycle 优先返回索引摘要；运行中的 cycle 只返回 running。
func (r *Router) handleCycle(c *gin.Context) {
	id := c.Param("id")
	for _, lc := range r.svc.Live() {
		if lc.CycleID == id {
			c.JSON(http.StatusOK, gin.H{"cycle_id": id, "symbol": lc.Symbol, "state": "running", "started_at": lc.StartedAt})
			return
		}
	}
	ctx := c.Request.Context()
	sum, err := r.svc.Summary(ctx, id)
	if err == nil {
		c.JSON(http.StatusOK, sum)
		return
	}
	out, oerr := r.svc.Outcome(ctx, id)
	if oerr != nil {
		abort(c, oerr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycle_id": id, "state": out.State, "outcome": out})
}

func (r *Router) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if !r.svc.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cycle_id": id, "cancelled": true})
}

func (r *Router) handleAudit(c *gin.Context) {
	recs, err := r.svc.Audit(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycle_id": c.Param("id"), "records": recs})
}

func (r *Router) handleReplay(c *gin.Context) {
	rep, err := r.svc.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consistent": rep.Consistent(), "report": rep})
}

func (r *Router) handleChart(c *gin.Context) {
	recs, err := r.svc.Audit(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	var buf bytes.Buffer
	if err := report.RenderCharts(&buf, recs); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (r *Router) handleSummaryText(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	out, err := r.svc.Outcome(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}
	recs, err := r.svc.Audit(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}
	c.String(http.StatusOK, report.Summary(id, recs, out))
}
