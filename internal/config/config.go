// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/multi-agent/codex-relay/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// Relay 服务
	ListenAddr string `env:"RELAY_LISTEN_ADDR" default:"127.0.0.1:8765"`
	DiagAddr   string `env:"RELAY_DIAG_ADDR" default:"127.0.0.1:8766"`

	// Codex 引擎
	CodexCommand       string `env:"CODEX_COMMAND" default:"codex"`
	CodexHome          string `env:"CODEX_HOME"`
	CodexStderrMaxKB   int    `env:"CODEX_STDERR_MAX_KB" default:"256" min:"16"`
	RPCTimeoutSec      int    `env:"CODEX_RPC_TIMEOUT_SEC" default:"30" min:"1"`
	TurnTimeoutSec     int    `env:"CODEX_TURN_TIMEOUT_SEC" default:"600" min:"10"`
	TurnWatchdogSec    int    `env:"CODEX_TURN_WATCHDOG_SEC" default:"600" min:"10"`
	RespawnBackoffMS   int    `env:"CODEX_RESPAWN_BACKOFF_MS" default:"500" min:"0"`
	HandshakeTimeoutSec int   `env:"CODEX_HANDSHAKE_TIMEOUT_SEC" default:"15" min:"1"`

	// Rollout 日志对账
	RolloutPollMS         int `env:"ROLLOUT_POLL_MS" default:"1000" min:"100"`
	RolloutBootstrapKB    int `env:"ROLLOUT_BOOTSTRAP_KB" default:"256" min:"4"`
	RolloutIndexRefreshSec int `env:"ROLLOUT_INDEX_REFRESH_SEC" default:"30" min:"1"`
	StalePendingSec       int `env:"ROLLOUT_STALE_PENDING_SEC" default:"600" min:"10"`
	RunIdleSec            int `env:"ROLLOUT_RUN_IDLE_SEC" default:"90" min:"5"`

	// 本地运行状态
	RunIdlePruneSec int `env:"RUN_IDLE_PRUNE_SEC" default:"300" min:"10"`
	RunIdleGraceSec int `env:"RUN_IDLE_GRACE_SEC" default:"120" min:"5"`

	// 中断协调
	InterruptTTLSec          int `env:"INTERRUPT_TTL_SEC" default:"30" min:"5"`
	InterruptRetrySec        int `env:"INTERRUPT_RETRY_SEC" default:"2" min:"1"`
	InterruptMinGapMS        int `env:"INTERRUPT_MIN_GAP_MS" default:"1500" min:"100"`
	InterruptLegacyAfterSec  int `env:"INTERRUPT_LEGACY_AFTER_SEC" default:"8" min:"1"`

	// 桌面端同步
	DesktopSocket        string `env:"CODEX_DESKTOP_SOCKET"`
	DesktopThrottleMS    int    `env:"DESKTOP_THROTTLE_MS" default:"800" min:"100"`
	DesktopUnlockDelayMS int    `env:"DESKTOP_UNLOCK_DELAY_MS" default:"2500" min:"0"`
	DesktopPulseGapMS    int    `env:"DESKTOP_PULSE_GAP_MS" default:"350" min:"50"`
	DesktopFlushDelayMS  int    `env:"DESKTOP_FLUSH_DELAY_MS" default:"150" min:"0"`

	// 事件扇出
	EventBufferSize   int `env:"EVENT_BUFFER_SIZE" default:"600" min:"50"`
	EventBufferAgeSec int `env:"EVENT_BUFFER_AGE_SEC" default:"1200" min:"60"`

	// PostgreSQL (可选, 未配置连接串时降级为纯内存运行)
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// 诊断
	TransitionLogLimit int `env:"TRANSITION_LOG_LIMIT" default:"100" min:"1"`
	SystemLogLimit     int `env:"SYSTEM_LOG_LIMIT" default:"100" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"LOG_DIR"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
