// safego.go — goroutine panic 保护。
package util

import (
	"runtime/debug"

	"github.com/multi-agent/codex-relay/pkg/logger"
)

// SafeGo 启动 goroutine 并捕获 panic，避免 panic 导致进程退出。
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					logger.FieldError, r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
