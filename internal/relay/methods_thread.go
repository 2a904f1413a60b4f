// methods_thread.go — thread/* JSON-RPC 透传方法。
//
// 线程语义由引擎持有, relay 只做三件事:
// 透传调用、登记 rollout 监视、在归档时撤销监视。
package relay

import (
	"context"
	"encoding/json"
	"strings"

	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
	"github.com/multi-agent/codex-relay/pkg/logger"
)

// passthrough 将请求原样转发给引擎。
func (s *Server) passthrough(ctx context.Context, method string, params json.RawMessage) (any, error) {
	raw, err := s.engine.Call(ctx, method, json.RawMessage(params))
	if err != nil {
		return nil, apperrors.Wrapf(err, "Server.passthrough", "engine %s", method)
	}
	return json.RawMessage(raw), nil
}

// extractThreadID 从结果或参数中取 threadId。
func extractThreadID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var envelope struct {
		ThreadID string `json:"threadId"`
		Thread   struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	if id := strings.TrimSpace(envelope.ThreadID); id != "" {
		return id
	}
	return strings.TrimSpace(envelope.Thread.ID)
}

func (s *Server) handleThreadStart(ctx context.Context, params json.RawMessage) (any, error) {
	raw, err := s.engine.Call(ctx, "thread/start", json.RawMessage(params))
	if err != nil {
		return nil, apperrors.Wrap(err, "Server.handleThreadStart", "engine thread/start")
	}
	if threadID := extractThreadID(raw); threadID != "" {
		s.rec.Watch(threadID)
		logger.Info("thread/start: watching rollout", logger.FieldThreadID, threadID)
	}
	return json.RawMessage(raw), nil
}

func (s *Server) handleThreadResume(ctx context.Context, params json.RawMessage) (any, error) {
	raw, err := s.engine.Call(ctx, "thread/resume", json.RawMessage(params))
	if err != nil {
		return nil, apperrors.Wrap(err, "Server.handleThreadResume", "engine thread/resume")
	}
	threadID := extractThreadID(raw)
	if threadID == "" {
		threadID = extractThreadID(params)
	}
	if threadID != "" {
		s.rec.Watch(threadID)
		logger.Info("thread/resume: watching rollout", logger.FieldThreadID, threadID)
	}
	return json.RawMessage(raw), nil
}

func (s *Server) handleThreadRead(ctx context.Context, params json.RawMessage) (any, error) {
	return s.passthrough(ctx, "thread/read", params)
}

func (s *Server) handleThreadList(ctx context.Context, params json.RawMessage) (any, error) {
	return s.passthrough(ctx, "thread/list", params)
}

func (s *Server) handleThreadArchive(ctx context.Context, params json.RawMessage) (any, error) {
	raw, err := s.engine.Call(ctx, "thread/archive", json.RawMessage(params))
	if err != nil {
		return nil, apperrors.Wrap(err, "Server.handleThreadArchive", "engine thread/archive")
	}
	if threadID := extractThreadID(params); threadID != "" {
		s.rec.Unwatch(threadID)
		s.runs.MarkTurnCompleted(threadID, "")
		s.hub.Forget(threadID)
		logger.Info("thread/archive: stopped watching", logger.FieldThreadID, threadID)
	}
	return json.RawMessage(raw), nil
}

func (s *Server) handleThreadUnarchive(ctx context.Context, params json.RawMessage) (any, error) {
	return s.passthrough(ctx, "thread/unarchive", params)
}

// handleRelayStatus relay 自身运行状态 (连接数、监视线程、本地 run)。
func (s *Server) handleRelayStatus(_ context.Context, _ json.RawMessage) (any, error) {
	s.mu.RLock()
	connCount := len(s.conns)
	s.mu.RUnlock()

	return map[string]any{
		"engineRunning":  s.engine.Running(),
		"connections":    connCount,
		"watchedThreads": s.rec.Watched(),
		"activeRuns":     s.runs.ActiveThreads(),
	}, nil
}
