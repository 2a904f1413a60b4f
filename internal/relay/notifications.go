// notifications.go — 引擎通知的归一化与分发。
//
// codex app-server 的推送分两类:
//   - 通知 (无 id): 归一化后进事件扇出缓冲, 并广播给所有 WebSocket 客户端
//   - server request (有 id): 审批类请求, 转发给客户端并把响应送回引擎
package relay

import (
	"encoding/json"
	"strings"

	"github.com/multi-agent/codex-relay/internal/codex"
	"github.com/multi-agent/codex-relay/pkg/logger"
	"github.com/multi-agent/codex-relay/pkg/util"
)

// notificationScope 通知中携带的定位字段。
type notificationScope struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Turn     struct {
		ID string `json:"id"`
	} `json:"turn"`
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}

func parseNotificationScope(params json.RawMessage) (threadID, turnID string) {
	if len(params) == 0 {
		return "", ""
	}
	var scope notificationScope
	if err := json.Unmarshal(params, &scope); err != nil {
		return "", ""
	}
	threadID = util.FirstNonEmpty(scope.ThreadID, scope.Thread.ID)
	turnID = util.FirstNonEmpty(scope.TurnID, scope.Turn.ID)
	return threadID, turnID
}

// handleEngineNotification 引擎推送入口 (codex 客户端读 goroutine 回调)。
func (s *Server) handleEngineNotification(n codex.Notification) {
	if n.RequestID != nil {
		reqID := *n.RequestID
		util.SafeGo(func() { s.forwardServerRequest(reqID, n.Method, n.Params) })
		return
	}
	s.dispatchEngineEvent(n.Method, n.Params)
}

// dispatchEngineEvent 归一化引擎通知并分发。
func (s *Server) dispatchEngineEvent(method string, params json.RawMessage) {
	method = normalizeTurnEventMethod(method)
	s.countNotification(method)
	threadID, turnID := parseNotificationScope(params)

	switch method {
	case "turn/started":
		if threadID != "" {
			// 未经本地登记就启动的 turn 视为其它前端发起
			locallyKnown := s.runs.Snapshot(threadID).Active
			s.runs.MarkTurnStarted(threadID, turnID)
			s.interrupts.ObserveTurnStarted(threadID, turnID, !locallyKnown)
			s.rec.Watch(threadID)
			logger.Info("relay: turn started",
				logger.FieldThreadID, threadID,
				logger.FieldTurnID, turnID,
				"locally_initiated", locallyKnown,
			)
		}
	case "turn/completed", "turn/failed", "turn/aborted":
		if threadID != "" {
			s.runs.MarkTurnCompleted(threadID, turnID)
			s.interrupts.ObserveTurnCompleted(threadID)
			s.disarmTurnWatchdog(threadID)
			s.auditTransition(threadID, turnID, "completed", method)
			logger.Info("relay: turn finished",
				logger.FieldThreadID, threadID,
				logger.FieldTurnID, turnID,
				logger.FieldMethod, method,
			)
		}
	default:
		if threadID != "" {
			s.runs.Touch(threadID)
		}
	}

	if threadID != "" {
		s.hub.Publish(threadID, method, params)
	}
	s.broadcastNotification(method, rawToAny(params))
}

// forwardServerRequest 把引擎发来的 server request (审批等) 转发给客户端。
//
// 引擎在等待响应, 无客户端或客户端超时都必须回错误, 否则引擎侧 turn 挂起。
func (s *Server) forwardServerRequest(reqID int64, method string, params json.RawMessage) {
	logger.Info("relay: forwarding engine request",
		logger.FieldMethod, method,
		logger.FieldReqID, reqID,
	)
	resp, err := s.SendRequestToAll(method, rawToAny(params))
	if err != nil {
		logger.Warn("relay: engine request forwarding failed",
			logger.FieldMethod, method,
			logger.FieldReqID, reqID,
			logger.FieldError, err,
		)
		if respondErr := s.engine.RespondError(reqID, CodeInternalError, err.Error()); respondErr != nil {
			logger.Error("relay: respond error to engine failed",
				logger.FieldReqID, reqID,
				logger.FieldError, respondErr,
			)
		}
		return
	}
	if resp.Error != nil {
		if respondErr := s.engine.RespondError(reqID, resp.Error.Code, resp.Error.Message); respondErr != nil {
			logger.Error("relay: respond error to engine failed",
				logger.FieldReqID, reqID,
				logger.FieldError, respondErr,
			)
		}
		return
	}
	if respondErr := s.engine.Respond(reqID, resp.Result); respondErr != nil {
		logger.Error("relay: respond to engine failed",
			logger.FieldReqID, reqID,
			logger.FieldError, respondErr,
		)
	}
}

// normalizeTurnEventMethod 把点分隔事件名折算到斜杠形态。
func normalizeTurnEventMethod(method string) string {
	return strings.ReplaceAll(method, ".", "/")
}
