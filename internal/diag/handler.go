// handler.go — 诊断 REST API handlers。
package diag

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/codex-relay/internal/store"
)

// registerRoutes 注册 API 路由。
func registerUnavailable(c *gin.Context) {
	notFound(c, "database not configured")
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)

	api := s.router.Group("/api")
	api.GET("/threads", s.listThreads)
	api.GET("/threads/:id", s.readThread)
	api.GET("/stats", s.readStats)

	if s.transitionStore != nil {
		api.GET("/transitions", s.listTransitions)
	} else {
		api.GET("/transitions", registerUnavailable)
	}
	if s.sysLogStore != nil {
		api.GET("/system-log", s.listSystemLog)
		api.GET("/system-log/filters", s.listSystemLogFilters)
	} else {
		api.GET("/system-log", registerUnavailable)
		api.GET("/system-log/filters", registerUnavailable)
	}
}

// queryLimit 从 query 读分页参数。
func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

// ========================================
// 健康与线程视图
// ========================================

func (s *Server) health(c *gin.Context) {
	engineRunning := false
	if s.engine != nil {
		engineRunning = s.engine.Running()
	}
	success(c, gin.H{
		"engineRunning":  engineRunning,
		"watchedThreads": s.rec.Watched(),
		"activeRuns":     s.runs.ActiveThreads(),
	})
}

func (s *Server) readStats(c *gin.Context) {
	if s.stats == nil {
		notFound(c, "stats not wired")
		return
	}
	success(c, s.stats())
}

// threadView 单线程诊断视图: rollout 对账 + 本地登记并排。
type threadView struct {
	ThreadID string `json:"threadId"`
	Active   bool   `json:"active"`
	Run      any    `json:"run"`
	Rollout  any    `json:"rollout,omitempty"`
}

func (s *Server) listThreads(c *gin.Context) {
	statuses := s.rec.Statuses()
	views := make([]threadView, 0, len(statuses))
	seen := make(map[string]struct{}, len(statuses))
	for _, status := range statuses {
		seen[status.ThreadID] = struct{}{}
		views = append(views, threadView{
			ThreadID: status.ThreadID,
			Active:   status.Active,
			Run:      s.runs.Snapshot(status.ThreadID),
			Rollout:  status,
		})
	}
	// 本地登记了但 rollout 还没看到的线程也要露出来
	for _, threadID := range s.runs.ActiveThreads() {
		if _, ok := seen[threadID]; ok {
			continue
		}
		views = append(views, threadView{
			ThreadID: threadID,
			Active:   true,
			Run:      s.runs.Snapshot(threadID),
		})
	}
	success(c, views)
}

func (s *Server) readThread(c *gin.Context) {
	threadID := strings.TrimSpace(c.Param("id"))
	if threadID == "" {
		badRequest(c, "invalid_thread_id", "thread id is required")
		return
	}
	view := threadView{
		ThreadID: threadID,
		Active:   s.rec.Active(threadID),
		Run:      s.runs.Snapshot(threadID),
	}
	if status, ok := s.rec.Status(threadID); ok {
		view.Rollout = status
	}
	success(c, view)
}

// ========================================
// 落库查询
// ========================================

func (s *Server) listTransitions(c *gin.Context) {
	items, err := s.transitionStore.List(c.Request.Context(),
		c.Query("thread_id"), c.Query("status"), queryLimit(c, 100))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) listSystemLog(c *gin.Context) {
	items, err := s.sysLogStore.List(c.Request.Context(), store.ListParams{
		Level:     c.Query("level"),
		Logger:    c.Query("logger"),
		Source:    c.Query("source"),
		Component: c.Query("component"),
		ThreadID:  c.Query("thread_id"),
		TurnID:    c.Query("turn_id"),
		EventType: c.Query("event_type"),
		Keyword:   c.Query("keyword"),
		Limit:     queryLimit(c, 100),
	})
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) listSystemLogFilters(c *gin.Context) {
	filters, err := s.sysLogStore.ListFilterValues(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, filters)
}
