// cmd/relay — codex 伴随 relay 服务入口。
//
// 启动:
//
//	codex-relay --listen ws://127.0.0.1:8765
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/multi-agent/codex-relay/internal/codex"
	"github.com/multi-agent/codex-relay/internal/config"
	"github.com/multi-agent/codex-relay/internal/database"
	"github.com/multi-agent/codex-relay/internal/desktopsync"
	"github.com/multi-agent/codex-relay/internal/diag"
	"github.com/multi-agent/codex-relay/internal/relay"
	"github.com/multi-agent/codex-relay/internal/rollout"
	"github.com/multi-agent/codex-relay/internal/store"
	"github.com/multi-agent/codex-relay/pkg/logger"
	"github.com/multi-agent/codex-relay/pkg/util"
)

func main() {
	listen := flag.String("listen", "", "WebSocket 监听地址 (默认取配置)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Warn("log file unavailable, stdout only", logger.FieldError, err)
		}
		defer logger.ShutdownFileHandler()
	}

	addr := *listen
	if addr == "" {
		addr = cfg.ListenAddr
	}

	// PostgreSQL (可选: 审计与日志落库)
	var (
		sysLogStore     *store.SystemLogStore
		transitionStore *store.TurnTransitionStore
	)
	dbDeps := relay.Deps{Config: cfg}
	if cfg.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("postgres connect failed", logger.Any(logger.FieldError, err))
		}
		defer pool.Close()

		migrationsDir := filepath.Join(filepath.Dir(os.Args[0]), "..", "..", "migrations")
		if _, err := os.Stat(migrationsDir); os.IsNotExist(err) {
			migrationsDir = "migrations"
		}
		if err := database.Migrate(ctx, pool, migrationsDir); err != nil {
			logger.Fatal("migration failed", logger.FieldError, err, logger.FieldPath, migrationsDir)
		}

		logger.AttachDBHandler(pool)
		defer logger.ShutdownDBHandler()

		sysLogStore = store.NewSystemLogStore(pool)
		transitionStore = store.NewTurnTransitionStore(pool)
		dbDeps.DB = pool
	}

	// codex app-server stdio 客户端 (懒启动, 首次调用时拉起进程)
	engine := codex.NewClient(codex.Options{
		Command:          cfg.CodexCommand,
		Home:             cfg.CodexHome,
		ClientName:       "codex-relay",
		ClientVersion:    "1.0.0",
		RPCTimeout:       time.Duration(cfg.RPCTimeoutSec) * time.Second,
		TurnTimeout:      time.Duration(cfg.TurnTimeoutSec) * time.Second,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSec) * time.Second,
		RespawnBackoff:   time.Duration(cfg.RespawnBackoffMS) * time.Millisecond,
		StderrLimit:      cfg.CodexStderrMaxKB << 10,
	})
	defer func() {
		if err := engine.Shutdown(); err != nil {
			logger.Warn("engine shutdown", logger.FieldError, err)
		}
	}()

	// rollout 日志对账器
	sessionsDir, err := rollout.DefaultSessionsDir()
	if err != nil {
		logger.Fatal("resolve sessions dir failed", logger.Any(logger.FieldError, err))
	}
	index := rollout.NewIndex(sessionsDir, time.Duration(cfg.RolloutIndexRefreshSec)*time.Second)
	rec := rollout.NewReconciler(index, rollout.Options{
		BootstrapThreshold: int64(cfg.RolloutBootstrapKB) << 10,
		StalePending:       time.Duration(cfg.StalePendingSec) * time.Second,
		RunIdle:            time.Duration(cfg.RunIdleSec) * time.Second,
		PollInterval:       time.Duration(cfg.RolloutPollMS) * time.Millisecond,
	})
	util.SafeGo(func() { rec.Run(ctx) })

	// JSON-RPC relay 服务
	dbDeps.Engine = engine
	dbDeps.Reconciler = rec
	srv := relay.New(dbDeps)

	// 桌面端实时同步
	if cfg.DesktopSocket != "" {
		desktop := desktopsync.NewBroadcaster(desktopsync.Options{
			SocketPath:  cfg.DesktopSocket,
			Throttle:    time.Duration(cfg.DesktopThrottleMS) * time.Millisecond,
			UnlockDelay: time.Duration(cfg.DesktopUnlockDelayMS) * time.Millisecond,
			PulseGap:    time.Duration(cfg.DesktopPulseGapMS) * time.Millisecond,
			FlushDelay:  time.Duration(cfg.DesktopFlushDelayMS) * time.Millisecond,
		})
		defer desktop.Close()
		srv.SetNotifyHook(desktop.HandleEvent)
		logger.Info("desktop sync enabled", logger.FieldSocket, cfg.DesktopSocket)
	}

	// 诊断服务
	diagSrv := diag.NewServer(diag.Deps{
		Engine:      engine,
		Reconciler:  rec,
		Runs:        srv.Runs(),
		Stats:       srv.Stats,
		SystemLogs:  sysLogStore,
		Transitions: transitionStore,
	})
	util.SafeGo(func() {
		if err := diagSrv.ListenAndServe(ctx, cfg.DiagAddr); err != nil {
			logger.Warn("diag server failed", logger.FieldError, err)
		}
	})

	logger.Infow("relay starting", logger.FieldListen, addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		logger.Fatal("relay failed", logger.Any(logger.FieldError, err))
	}
}
