// Package errors 提供统一错误类型与哨兵错误。
//
// 本包为 codex-relay 精简版:
//   - L1 哨兵错误: ErrNotFound / ErrInvalidInput / ErrTimeout 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal 内部错误
	ErrInternal = errors.New("internal error")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrDisconnected 引擎子进程已退出, 所有 in-flight 调用立即失败
	ErrDisconnected = errors.New("engine disconnected")

	// ErrNoActiveTurn 线程当前没有可中断的 turn
	ErrNoActiveTurn = errors.New("no active turn")

	// ErrExternalOwnership 目标 turn 由桌面端 (外部 surface) 驱动, 本 relay 无权操作
	ErrExternalOwnership = errors.New("turn owned by external surface")
)

// ========================================
// 错误码 (对应 AppError.Code)
// ========================================

const (
	CodeTransportTimeout      = "TRANSPORT_TIMEOUT"
	CodeTransportDisconnected = "TRANSPORT_DISCONNECTED"
	CodeRemoteRejected        = "REMOTE_REJECTED"
	CodeAmbiguousTurn         = "AMBIGUOUS_TURN"
	CodeExternalOwnership     = "EXTERNAL_OWNERSHIP"
	CodeStaleLogIO            = "STALE_LOG_IO"
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Client.Call"
	Code    string // 错误码，如 "TRANSPORT_TIMEOUT"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewCode 创建带错误码的应用错误。
func NewCode(op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message}
}

// NewCodef 创建带错误码和格式化消息的应用错误。
func NewCodef(op, code, format string, args ...any) error {
	return &AppError{Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCode 包装错误并附加错误码。
func WrapCode(err error, op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message, Err: err}
}

// CodeOf 提取错误链上最近的非空 AppError.Code，不存在返回空串。
func CodeOf(err error) string {
	for err != nil {
		var ae *AppError
		if !errors.As(err, &ae) {
			return ""
		}
		if ae.Code != "" {
			return ae.Code
		}
		err = ae.Err
	}
	return ""
}
