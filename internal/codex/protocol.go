// protocol.go — JSON-RPC 2.0 信封与调用跟踪。
package codex

import (
	"encoding/json"
	"time"
)

// ========================================
// JSON-RPC 2.0 信封
// ========================================

// jsonRPCRequest JSON-RPC 2.0 请求。
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCNotification JSON-RPC 2.0 通知 (无 id)。
type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCMessage JSON-RPC 通用消息 (用于读取解析)。
type jsonRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"` // nil = 通知
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// jsonRPCError JSON-RPC 错误。
type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// jsonRPCResponse JSON-RPC 2.0 响应 (用于回复 server request)。
type jsonRPCResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result,omitempty"`
}

// pendingCall 等待响应的 JSON-RPC 调用。
type pendingCall struct {
	result json.RawMessage
	err    error
	done   chan struct{}
}

// Notification 引擎推送的消息。
//
// RequestID 非 nil 表示这是引擎发来的 server request,
// 接收方必须通过 Respond/RespondError 回复, 否则引擎侧 turn 会挂起。
type Notification struct {
	Method    string
	Params    json.RawMessage
	RequestID *int64
}

// NotificationHandler 通知回调。
type NotificationHandler func(Notification)

// methodTimeout 返回方法的默认调用超时。
//
// turn/start 覆盖整个 agent 回合, 必须远长于普通查询类方法。
func (c *Client) methodTimeout(method string) time.Duration {
	switch method {
	case "turn/start":
		return c.turnTimeout
	case "initialize":
		return c.handshakeTimeout
	default:
		return c.rpcTimeout
	}
}
