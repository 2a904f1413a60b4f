// client_spawn_test.go — 子进程拉起与握手路径测试。
package codex

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeFakeEngine 生成一个最小引擎脚本: 对每个带 id 的请求按原 id 回包,
// 通知 (无 id) 静默吞掉。
func writeFakeEngine(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-scripted engine requires a POSIX shell")
	}
	script := `#!/bin/sh
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  [ -z "$id" ] && continue
  printf '{"jsonrpc":"2.0","id":%s,"result":{"thread":{"id":"t1"}}}\n' "$id"
done
`
	path := filepath.Join(t.TempDir(), "fake-engine")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake engine: %v", err)
	}
	return path
}

func TestCall_SpawnsEngineAndCompletesHandshake(t *testing.T) {
	c := NewClient(Options{
		Command:          writeFakeEngine(t),
		RPCTimeout:       3 * time.Second,
		HandshakeTimeout: 3 * time.Second,
		RespawnBackoff:   time.Millisecond,
	})
	defer func() { _ = c.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 首次 Call 要走完 spawn → initialize → initialized → 实际请求的全链路
	result, err := c.Call(ctx, "thread/read", map[string]any{"threadId": "t1"})
	if err != nil {
		t.Fatalf("first Call after spawn: %v", err)
	}
	if !strings.Contains(string(result), "t1") {
		t.Fatalf("result = %s, want thread t1", result)
	}
	if !c.Running() {
		t.Fatal("engine should be running after successful handshake")
	}

	// 同一进程上的第二次调用不再握手
	if _, err := c.Call(ctx, "thread/read", map[string]any{"threadId": "t1"}); err != nil {
		t.Fatalf("second Call: %v", err)
	}
}

func TestCall_UnresponsiveEngineReturnsWithinHandshakeTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX sleep binary")
	}
	// 引擎永不回包: 握手必须在超时后返回错误, 不能让 Call 永久挂起
	c := NewClient(Options{
		Command:          "sleep",
		RPCTimeout:       time.Second,
		HandshakeTimeout: 500 * time.Millisecond,
		RespawnBackoff:   time.Millisecond,
	})
	defer func() { _ = c.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "thread/read", map[string]any{"threadId": "t1"})
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected handshake failure against unresponsive engine")
		}
	case <-time.After(4 * time.Second):
		t.Fatal("Call blocked past handshake timeout")
	}
	if c.Running() {
		t.Fatal("failed handshake must tear the process reference down")
	}
}
