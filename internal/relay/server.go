// server.go — JSON-RPC over WebSocket 伴随服务器（核心结构体与启动）。
//
// 架构:
//
//	WebSocket 连接 → JSON-RPC 2.0 消息解析 → 方法分发 → codex app-server
//	引擎通知 → 事件扇出缓冲 + Notification 广播给所有连接 + 桌面端钩子
//
// 拆分说明:
//   - server_conn.go:    连接管理、类型定义 (connEntry)、广播、SendRequest
//   - methods_thread.go: thread/* 透传方法
//   - methods_turn.go:   turn/* 方法 (本地运行登记 + 中断协调)
//   - methods_events.go: events/subscribe 订阅回放
//   - notifications.go:  引擎通知的归一化与分发
package relay

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/codex-relay/internal/codex"
	"github.com/multi-agent/codex-relay/internal/config"
	"github.com/multi-agent/codex-relay/internal/rollout"
	"github.com/multi-agent/codex-relay/internal/store"
	pkgerr "github.com/multi-agent/codex-relay/pkg/errors"
	"github.com/multi-agent/codex-relay/pkg/logger"
	"github.com/multi-agent/codex-relay/pkg/util"
)

const (
	maxConnections = 100      // 最大并发连接数
	maxMessageSize = 4 << 20  // 4MB 消息大小限制
	connOutboxSize = 256      // 单连接发送缓冲
	connBacklogCut = 256 - 16 // 单连接过载水位
)

// Server 伴随 relay 的 JSON-RPC WebSocket 服务器。
type Server struct {
	// ========================================
	// 锁职责说明
	// ========================================
	// 以下锁保护各自独立的数据, 不存在嵌套获取关系。
	// mu:           conns map (WebSocket 连接管理)
	// pendingMu:    pending map (Server→Client 请求跟踪)
	// watchdogMu:   turnWatchdogs (turn 超时看门狗)
	// notifyHookMu: notifyHook (桌面端通知钩子)
	// ========================================
	engine     *codex.Client
	rec        *rollout.Reconciler
	runs       *RunControl
	hub        *EventHub
	interrupts *InterruptCoordinator
	cfg        *config.Config
	methods    map[string]Handler

	// turn 审计落库 (可选, 有 DB 时启用)
	transitionStore *store.TurnTransitionStore

	// 连接管理 (支持多客户端同时连接)
	mu     sync.RWMutex
	conns  map[string]*connEntry // connID → entry
	nextID atomic.Int64

	// Server → Client 请求: 服务端发起请求, 等待客户端响应
	pendingMu sync.Mutex
	pending   map[int64]chan *Response // requestID → response channel
	nextReqID atomic.Int64

	// turn 超时看门狗 (threadId → cancel)
	watchdogMu    sync.Mutex
	turnWatchdogs map[string]*time.Timer

	// 通知钩子 (给桌面端实时同步桥接使用)
	notifyHookMu sync.RWMutex
	notifyHook   func(method string, params any)

	// 引擎通知按方法计数 (诊断视图)
	statsMu     sync.Mutex
	notifCounts map[string]int64

	upgrader websocket.Upgrader
}

// Deps 服务器依赖注入。
type Deps struct {
	Engine     *codex.Client
	Reconciler *rollout.Reconciler
	Config     *config.Config
	DB         *pgxpool.Pool // 可选: turn 审计落库
}

// New 创建服务器。
func New(deps Deps) *Server {
	s := &Server{
		engine:        deps.Engine,
		rec:           deps.Reconciler,
		cfg:           deps.Config,
		methods:       make(map[string]Handler),
		conns:         make(map[string]*connEntry),
		pending:       make(map[int64]chan *Response),
		turnWatchdogs: make(map[string]*time.Timer),
		notifCounts:   make(map[string]int64),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkLocalOrigin,
		},
	}

	var (
		idlePrune = 5 * time.Minute
		idleGrace = 2 * time.Minute
		hubSize   = 600
		hubAge    = 20 * time.Minute
	)
	if deps.Config != nil {
		idlePrune = time.Duration(deps.Config.RunIdlePruneSec) * time.Second
		idleGrace = time.Duration(deps.Config.RunIdleGraceSec) * time.Second
		hubSize = deps.Config.EventBufferSize
		hubAge = time.Duration(deps.Config.EventBufferAgeSec) * time.Second
	}
	s.runs = NewRunControl(idlePrune, idleGrace)
	s.hub = NewEventHub(hubSize, hubAge)

	iopts := InterruptOptions{}
	if deps.Config != nil {
		iopts = InterruptOptions{
			TTL:           time.Duration(deps.Config.InterruptTTLSec) * time.Second,
			RetryInterval: time.Duration(deps.Config.InterruptRetrySec) * time.Second,
			MinGap:        time.Duration(deps.Config.InterruptMinGapMS) * time.Millisecond,
			LegacyAfter:   time.Duration(deps.Config.InterruptLegacyAfterSec) * time.Second,
		}
	}
	// typed-nil 指针装进接口后非 nil, 显式留空
	var caller engineCaller
	if deps.Engine != nil {
		caller = deps.Engine
	}
	s.interrupts = NewInterruptCoordinator(caller, s.runs, deps.Reconciler, iopts)

	if deps.DB != nil {
		s.transitionStore = store.NewTurnTransitionStore(deps.DB)
		logger.Info("relay: turn transition audit enabled")
	}

	if deps.Engine != nil {
		deps.Engine.SetNotificationHandler(s.handleEngineNotification)
	}
	s.registerMethods()
	return s
}

// SetNotifyHook 注册桌面端通知钩子。每条引擎通知归一化后回调一次。
func (s *Server) SetNotifyHook(hook func(method string, params any)) {
	s.notifyHookMu.Lock()
	s.notifyHook = hook
	s.notifyHookMu.Unlock()
}

// Runs 本地运行状态登记表 (诊断端点使用)。
func (s *Server) Runs() *RunControl { return s.runs }

// Interrupts 中断协调器 (测试与诊断使用)。
func (s *Server) Interrupts() *InterruptCoordinator { return s.interrupts }

// ServerStats 运行时计数快照。
type ServerStats struct {
	Connections        int              `json:"connections"`
	NotificationCounts map[string]int64 `json:"notificationCounts"`
	BufferDepths       map[string]int   `json:"bufferDepths"`
}

// Stats 返回诊断用运行时计数。
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	conns := len(s.conns)
	s.mu.RUnlock()

	s.statsMu.Lock()
	counts := make(map[string]int64, len(s.notifCounts))
	for m, n := range s.notifCounts {
		counts[m] = n
	}
	s.statsMu.Unlock()

	return ServerStats{
		Connections:        conns,
		NotificationCounts: counts,
		BufferDepths:       s.hub.Depths(),
	}
}

func (s *Server) countNotification(method string) {
	s.statsMu.Lock()
	s.notifCounts[method]++
	s.statsMu.Unlock()
}

// registerMethods 注册全部 JSON-RPC 方法。
func (s *Server) registerMethods() {
	// thread/* 透传 (引擎侧语义, relay 仅登记监视)
	s.methods["thread/start"] = s.handleThreadStart
	s.methods["thread/resume"] = s.handleThreadResume
	s.methods["thread/read"] = s.handleThreadRead
	s.methods["thread/list"] = s.handleThreadList
	s.methods["thread/archive"] = s.handleThreadArchive
	s.methods["thread/unarchive"] = s.handleThreadUnarchive

	// turn/* 本地协调
	s.methods["turn/start"] = s.handleTurnStart
	s.methods["turn/interrupt"] = s.handleTurnInterrupt

	// 事件订阅
	s.methods["events/subscribe"] = typedHandler(s.handleEventsSubscribe)

	// relay 自身状态
	s.methods["relay/status"] = s.handleRelayStatus
}

// reconcileLoop 周期性让本地运行登记向现场引擎快照与 rollout 对账器收敛。
func (s *Server) reconcileLoop(ctx context.Context) {
	interval := 15 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, threadID := range s.runs.Reconcile(s.rec, s.readThreadRunSnapshot) {
				logger.Info("relay: force-completed stale local run", logger.FieldThreadID, threadID)
				s.interrupts.ObserveTurnCompleted(threadID)
			}
		}
	}
}

// readThreadRunSnapshot 现场读一次引擎线程快照供对账使用。
func (s *Server) readThreadRunSnapshot(threadID string) (ThreadSnapshot, bool) {
	if s.engine == nil {
		return ThreadSnapshot{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := s.engine.Call(ctx, "thread/read", map[string]any{"threadId": threadID})
	if err != nil {
		logger.Debug("relay: thread/read for reconcile failed",
			logger.FieldThreadID, threadID,
			logger.FieldError, err,
		)
		return ThreadSnapshot{}, false
	}
	return parseThreadSnapshot(raw), true
}

// ListenAndServe 启动 WebSocket 服务器。
//
// addr 格式: "ws://127.0.0.1:8765" 或 "127.0.0.1:8765"。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	host := strings.TrimPrefix(addr, "ws://")
	host = strings.TrimPrefix(host, "wss://")

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade) // WebSocket

	srv := &http.Server{
		Addr:              host,
		Handler:           mux,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.SafeGo(func() { s.reconcileLoop(ctx) })

	// 优雅关闭: 给活跃连接 5 秒完成处理
	util.SafeGo(func() {
		<-ctx.Done()
		logger.Info("relay: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("relay: shutdown error", logger.FieldError, err)
			return
		}
		logger.Info("relay: shutdown completed")
	})

	logger.Info("relay: listening", logger.FieldAddr, host)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return pkgerr.Wrap(err, "Server.ListenAndServe", "listen")
	}
	return nil
}
