// methods_events.go — events/subscribe 订阅回放方法。
package relay

import (
	"context"
	"encoding/json"
	"strings"

	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
	"github.com/multi-agent/codex-relay/pkg/logger"
)

// rawToAny 将原始 JSON 解析为 any, 解析失败时退回原始字节。
func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	return v
}

type eventsSubscribeParams struct {
	ThreadID string `json:"threadId"`
	LastSeen *int64 `json:"lastSeenSeq,omitempty"` // nil = 不要求回放
	Wake     bool   `json:"wake,omitempty"`        // 顺带在引擎侧恢复线程
}

type eventsSubscribeResponse struct {
	Mode      string        `json:"mode"` // "sync" | "replay" | "snapshot"
	LatestSeq int64         `json:"latestSeq"`
	Events    []EventRecord `json:"events,omitempty"`
	Snapshot  any           `json:"snapshot,omitempty"`
	Run       *RunSnapshot  `json:"run,omitempty"`
}

// handleEventsSubscribe 按 last-seen 序号回放事件。
//
// 缓冲可覆盖的缺口逐条回放; 覆盖不了的缺口返回一次完整快照,
// 快照携带最新序号作为新基线, 订阅方从该基线继续增量。
func (s *Server) handleEventsSubscribe(ctx context.Context, p eventsSubscribeParams) (any, error) {
	threadID := strings.TrimSpace(p.ThreadID)
	if threadID == "" {
		return nil, apperrors.New("Server.handleEventsSubscribe", "threadId is required")
	}

	var lastSeen int64
	hasLastSeen := p.LastSeen != nil
	if hasLastSeen {
		lastSeen = *p.LastSeen
	}

	if p.Wake && s.engine != nil {
		// 尽力而为: 让引擎恢复线程, 失败不影响订阅本身
		if _, err := s.engine.Call(ctx, "thread/resume", map[string]any{"threadId": threadID}); err != nil {
			logger.Warn("events/subscribe: wake resume failed",
				logger.FieldThreadID, threadID,
				logger.FieldError, err,
			)
		} else {
			s.rec.Watch(threadID)
		}
	}

	result := s.hub.Subscribe(threadID, lastSeen, hasLastSeen, func() any {
		return s.buildThreadSnapshot(ctx, threadID)
	})

	resp := eventsSubscribeResponse{
		Mode:      result.Mode,
		LatestSeq: result.LatestSeq,
		Events:    result.Events,
		Snapshot:  result.Snapshot,
	}
	if p.Wake {
		snap := s.runs.Snapshot(threadID)
		resp.Run = &snap
	}

	logger.Debug("events/subscribe: served",
		logger.FieldThreadID, threadID,
		"mode", resp.Mode,
		logger.FieldSeq, resp.LatestSeq,
		logger.FieldCount, len(resp.Events),
	)
	return resp, nil
}

// buildThreadSnapshot 构造完整快照: 引擎侧 thread/read 结果加本地观测。
//
// 引擎不可达时退化为纯本地视图, 订阅方仍能拿到新基线序号。
func (s *Server) buildThreadSnapshot(ctx context.Context, threadID string) any {
	snapshot := map[string]any{
		"threadId": threadID,
		"run":      s.runs.Snapshot(threadID),
	}
	if s.rec != nil {
		if status, ok := s.rec.Status(threadID); ok {
			snapshot["rollout"] = status
		}
	}
	if s.engine != nil {
		raw, err := s.engine.Call(ctx, "thread/read", map[string]any{"threadId": threadID})
		if err != nil {
			logger.Warn("events/subscribe: thread/read for snapshot failed",
				logger.FieldThreadID, threadID,
				logger.FieldError, err,
			)
		} else {
			snapshot["thread"] = rawToAny(raw)
		}
	}
	return snapshot
}
