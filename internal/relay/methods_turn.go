// methods_turn.go — turn/* JSON-RPC 方法实现。
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
	"github.com/multi-agent/codex-relay/pkg/logger"
)

// threadIDParams 仅含 threadId 的通用参数。
type threadIDParams struct {
	ThreadID string `json:"threadId"`
}

type turnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// handleTurnStart 透传 turn/start, 并在本地登记运行意图与 turn 生命周期。
//
// 引擎调用使用 turn 级超时 (远长于普通方法), 登记在调用前完成,
// 这样引擎尚未返回 turn id 时, 中断协调器也能感知到"有 run 在路上"。
func (s *Server) handleTurnStart(ctx context.Context, params json.RawMessage) (any, error) {
	var p threadIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(err, "Server.handleTurnStart", "unmarshal params")
	}
	threadID := strings.TrimSpace(p.ThreadID)
	if threadID == "" {
		return nil, apperrors.New("Server.handleTurnStart", "threadId is required")
	}

	start := time.Now()

	// 同线程仍有被跟踪的 turn: 新 turn 取代它, 旧的合成完结
	if prev := s.runs.Snapshot(threadID); prev.Active && prev.TurnID != "" {
		logger.Warn("turn/start: superseding tracked turn",
			logger.FieldThreadID, threadID,
			logger.FieldTurnID, prev.TurnID,
		)
		s.runs.MarkTurnCompleted(threadID, "")
		s.interrupts.ObserveTurnCompleted(threadID)
		s.disarmTurnWatchdog(threadID)
		s.auditTransition(threadID, prev.TurnID, "completed", "superseded_by_new_turn")
		s.broadcastNotification("turn/completed", map[string]any{
			"threadId": threadID,
			"turnId":   prev.TurnID,
			"status":   "failed",
			"reason":   "superseded_by_new_turn",
		})
	}

	s.runs.MarkIntent(threadID)
	s.rec.Watch(threadID)
	logger.Info("turn/start: request received",
		logger.FieldThreadID, threadID,
		logger.FieldParamsLen, len(params),
	)

	raw, err := s.engine.Call(ctx, "turn/start", json.RawMessage(params))
	if err != nil {
		s.runs.MarkTurnCompleted(threadID, "")
		return nil, apperrors.Wrap(err, "Server.handleTurnStart", "engine turn/start")
	}

	turnID := extractTurnID(raw)
	s.runs.MarkTurnStarted(threadID, turnID)
	s.interrupts.ObserveTurnStarted(threadID, turnID, false)
	s.armTurnWatchdog(threadID)
	s.auditTransition(threadID, turnID, "started", "turn/start")

	logger.Info("turn/start: turn running",
		logger.FieldThreadID, threadID,
		logger.FieldTurnID, turnID,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return json.RawMessage(raw), nil
}

// handleTurnInterrupt 经中断协调器停止当前 turn。
func (s *Server) handleTurnInterrupt(ctx context.Context, params json.RawMessage) (any, error) {
	var p turnInterruptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(err, "Server.handleTurnInterrupt", "unmarshal params")
	}
	threadID := strings.TrimSpace(p.ThreadID)
	if threadID == "" {
		return nil, apperrors.New("Server.handleTurnInterrupt", "threadId is required")
	}

	snapBefore := s.runs.Snapshot(threadID)
	logger.Info("turn/interrupt: request",
		logger.FieldThreadID, threadID,
		logger.FieldTurnID, p.TurnID,
		"active_before", snapBefore.Active,
	)

	result, err := s.interrupts.Interrupt(ctx, threadID, p.TurnID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeExternalOwnership {
			logger.Info("turn/interrupt: rejected, turn owned by another surface",
				logger.FieldThreadID, threadID)
			return nil, err
		}
		if errorsIsNoActiveTurn(err) {
			// 无活动 turn: 幂等情形, 返回未确认结果而非硬错误
			logger.Info("turn/interrupt: no active turn",
				logger.FieldThreadID, threadID,
				"state_before", result.StateBefore,
			)
			return map[string]any{
				"confirmed":     false,
				"mode":          "no_active_turn",
				"interruptSent": result.InterruptSent,
				"stateBefore":   result.StateBefore,
				"stateAfter":    result.StateAfter,
				"waitedMs":      result.WaitedMS,
			}, nil
		}
		return nil, err
	}

	if result.Confirmed {
		s.disarmTurnWatchdog(threadID)
		s.auditTransition(threadID, result.TurnID, "interrupted", result.Mode)
		s.broadcastNotification("turn/completed", map[string]any{
			"threadId": threadID,
			"turnId":   result.TurnID,
			"status":   "interrupted",
			"reason":   "interrupt_" + result.Mode,
		})
	}
	logger.Info("turn/interrupt: settle",
		logger.FieldThreadID, threadID,
		logger.FieldTurnID, result.TurnID,
		"confirmed", result.Confirmed,
		"mode", result.Mode,
		"waited_ms", result.WaitedMS,
	)
	return result, nil
}

func errorsIsNoActiveTurn(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "no active turn")
}

// ========================================
// turn 看门狗
// ========================================

// armTurnWatchdog 启动超时看门狗: turn 超过上限仍未见终态则强制完结本地登记。
func (s *Server) armTurnWatchdog(threadID string) {
	timeout := 10 * time.Minute
	if s.cfg != nil && s.cfg.TurnWatchdogSec > 0 {
		timeout = time.Duration(s.cfg.TurnWatchdogSec) * time.Second
	}
	s.watchdogMu.Lock()
	defer s.watchdogMu.Unlock()
	if prev, ok := s.turnWatchdogs[threadID]; ok {
		prev.Stop()
	}
	s.turnWatchdogs[threadID] = time.AfterFunc(timeout, func() {
		if s.rec != nil && s.rec.Active(threadID) {
			// 日志仍在滚动: 只是慢, 重新武装
			logger.Info("turn watchdog: thread still active, rearming",
				logger.FieldThreadID, threadID)
			s.armTurnWatchdog(threadID)
			return
		}
		logger.Warn("turn watchdog: forcing local completion",
			logger.FieldThreadID, threadID)
		turnID := s.runs.Snapshot(threadID).TurnID
		s.runs.MarkTurnCompleted(threadID, "")
		s.interrupts.ObserveTurnCompleted(threadID)
		s.auditTransition(threadID, turnID, "completed", "watchdog_timeout")
		s.broadcastNotification("turn/completed", map[string]any{
			"threadId": threadID,
			"turnId":   turnID,
			"status":   "failed",
			"reason":   "watchdog_timeout",
		})
	})
}

func (s *Server) disarmTurnWatchdog(threadID string) {
	s.watchdogMu.Lock()
	defer s.watchdogMu.Unlock()
	if t, ok := s.turnWatchdogs[threadID]; ok {
		t.Stop()
		delete(s.turnWatchdogs, threadID)
	}
}

// auditTransition turn 状态转换落库 (无 DB 时为空操作)。
func (s *Server) auditTransition(threadID, turnID, status, reason string) {
	if s.transitionStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.transitionStore.Record(ctx, threadID, turnID, status, reason); err != nil {
		logger.Warn("relay: record turn transition failed",
			logger.FieldThreadID, threadID,
			logger.FieldError, err,
		)
	}
}

// extractTurnID 从引擎 turn/start 结果提取 turn id。
//
// 兼容两种结果形态: {"turn":{"id":...}} 与顶层 {"turnId":...}。
func extractTurnID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var envelope struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
		TurnID string `json:"turnId"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	if id := strings.TrimSpace(envelope.Turn.ID); id != "" {
		return id
	}
	return strings.TrimSpace(envelope.TurnID)
}
