// config_test.go — 配置加载默认值 + 环境变量覆盖测试。
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	// 确保关键环境变量未设置
	os.Unsetenv("RELAY_LISTEN_ADDR")
	os.Unsetenv("CODEX_COMMAND")
	os.Unsetenv("POSTGRES_SCHEMA")

	cfg := Load()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"ListenAddr", cfg.ListenAddr, "127.0.0.1:8765"},
		{"DiagAddr", cfg.DiagAddr, "127.0.0.1:8766"},
		{"CodexCommand", cfg.CodexCommand, "codex"},
		{"RPCTimeoutSec", cfg.RPCTimeoutSec, 30},
		{"TurnTimeoutSec", cfg.TurnTimeoutSec, 600},
		{"TurnWatchdogSec", cfg.TurnWatchdogSec, 600},
		{"RolloutPollMS", cfg.RolloutPollMS, 1000},
		{"RolloutBootstrapKB", cfg.RolloutBootstrapKB, 256},
		{"StalePendingSec", cfg.StalePendingSec, 600},
		{"RunIdleSec", cfg.RunIdleSec, 90},
		{"InterruptTTLSec", cfg.InterruptTTLSec, 30},
		{"InterruptRetrySec", cfg.InterruptRetrySec, 2},
		{"InterruptMinGapMS", cfg.InterruptMinGapMS, 1500},
		{"InterruptLegacyAfterSec", cfg.InterruptLegacyAfterSec, 8},
		{"DesktopThrottleMS", cfg.DesktopThrottleMS, 800},
		{"DesktopUnlockDelayMS", cfg.DesktopUnlockDelayMS, 2500},
		{"DesktopPulseGapMS", cfg.DesktopPulseGapMS, 350},
		{"EventBufferSize", cfg.EventBufferSize, 600},
		{"EventBufferAgeSec", cfg.EventBufferAgeSec, 1200},
		{"PostgresSchema", cfg.PostgresSchema, "public"},
		{"PostgresPoolMinSize", cfg.PostgresPoolMinSize, 1},
		{"PostgresPoolMaxSize", cfg.PostgresPoolMaxSize, 10},
		{"LogLevel", cfg.LogLevel, "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RELAY_LISTEN_ADDR", "0.0.0.0:9999")
	t.Setenv("CODEX_TURN_TIMEOUT_SEC", "120")
	t.Setenv("POSTGRES_SCHEMA", "test_schema")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ROLLOUT_RUN_IDLE_SEC", "1")

	cfg := Load()

	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("ListenAddr = %q, want '0.0.0.0:9999'", cfg.ListenAddr)
	}
	if cfg.TurnTimeoutSec != 120 {
		t.Errorf("TurnTimeoutSec = %d, want 120", cfg.TurnTimeoutSec)
	}
	if cfg.PostgresSchema != "test_schema" {
		t.Errorf("PostgresSchema = %q, want 'test_schema'", cfg.PostgresSchema)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q, want 'DEBUG'", cfg.LogLevel)
	}
	// min:"5" 约束下 1 被提升到下限
	if cfg.RunIdleSec != 5 {
		t.Errorf("RunIdleSec = %d, want clamped 5", cfg.RunIdleSec)
	}
}

func TestLoadReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
}
