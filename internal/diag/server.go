// Package diag 提供本机诊断 HTTP 服务。
//
// relay 是后台进程, 排查 "为什么 turn 没停" 这类问题时需要一个
// 能直接看到 rollout 对账结果、本地登记与审计落库的窗口。
package diag

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/codex-relay/internal/relay"
	"github.com/multi-agent/codex-relay/internal/rollout"
	"github.com/multi-agent/codex-relay/internal/store"
	pkgerr "github.com/multi-agent/codex-relay/pkg/errors"
	"github.com/multi-agent/codex-relay/pkg/logger"
	"github.com/multi-agent/codex-relay/pkg/util"
)

// engineProbe 引擎健康探针。
type engineProbe interface {
	Running() bool
}

// Server 诊断 HTTP 服务。
type Server struct {
	router *gin.Engine
	engine engineProbe
	rec    *rollout.Reconciler
	runs   *relay.RunControl
	stats  func() relay.ServerStats

	// 可选落库查询
	sysLogStore     *store.SystemLogStore
	transitionStore *store.TurnTransitionStore
}

// Deps 诊断服务依赖。
type Deps struct {
	Engine      engineProbe
	Reconciler  *rollout.Reconciler
	Runs        *relay.RunControl
	Stats       func() relay.ServerStats // 通知计数与缓冲深度
	SystemLogs  *store.SystemLogStore
	Transitions *store.TurnTransitionStore
}

// NewServer 创建诊断服务。
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s := &Server{
		router:          r,
		engine:          deps.Engine,
		rec:             deps.Reconciler,
		runs:            deps.Runs,
		stats:           deps.Stats,
		sysLogStore:     deps.SystemLogs,
		transitionStore: deps.Transitions,
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎 (测试用)。
func (s *Server) Engine() *gin.Engine { return s.router }

// ListenAndServe 启动诊断服务, ctx 取消时优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	util.SafeGo(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("diag: shutdown error", logger.FieldError, err)
		}
	})
	logger.Info("diag: listening", logger.FieldAddr, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return pkgerr.Wrap(err, "diag.ListenAndServe", "listen")
	}
	return nil
}
