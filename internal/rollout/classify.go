// classify.go — rollout 行事件分类。
package rollout

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/multi-agent/codex-relay/pkg/util"
)

// rolloutLine rollout JSONL 单行结构。
type rolloutLine struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// rolloutPayload event_msg / response_item 的 payload 公共字段。
type rolloutPayload struct {
	Type   string `json:"type"`
	Role   string `json:"role"`
	CallID string `json:"call_id"`
	TurnID string `json:"turn_id"`
	ID     string `json:"id"`
}

// eventKind 行事件对线程状态的影响类别。
type eventKind int

const (
	kindIgnore           eventKind = iota // 不影响状态 (turn_context 等)
	kindRunStart                          // 新 run 开始: 清空 pending, 置 run-started
	kindActivity                          // 活动: 仅刷新 last-activity
	kindToolStart                         // 工具调用开始: pending 加入 call_id
	kindToolEnd                           // 工具调用结束: pending 移除 call_id
	kindTerminal                          // 终止: 置 terminal, 清空 pending
	kindAssistantMessage                  // 助手消息: 无 pending 时终止, 否则仅活动
)

// classified 分类结果。
type classified struct {
	kind   eventKind
	callID string
	turnID string
	ts     time.Time
}

// 终止类 event_msg。task_complete/turn_aborted 正常结束,
// stream_error/error 异常结束, 对活动判定同样意味着 run 已停。
var terminalEventTypes = map[string]struct{}{
	"task_complete": {},
	"turn_aborted":  {},
	"stream_error":  {},
	"error":         {},
}

// run 开始类 event_msg。用户输入落盘或引擎宣告任务启动都视为 run 开始。
var runStartEventTypes = map[string]struct{}{
	"user_message": {},
	"task_started": {},
}

// classifyLine 将一行 rollout JSON 分类为状态机输入。纯函数。
//
// 乱序与重复行由状态机幂等吸收, 这里只做逐行判定:
//   - turn_context 永远忽略 (会话元数据, 不代表活动)
//   - event_msg 按 payload.type 细分
//   - response_item 的 function_call / function_call_output 驱动 pending 集合
//   - 无法解析的行忽略
func classifyLine(raw []byte) classified {
	var line rolloutLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return classified{kind: kindIgnore}
	}

	ts := parseLineTime(line.Timestamp)

	switch line.Type {
	case "turn_context", "session_meta":
		return classified{kind: kindIgnore}

	case "event_msg":
		var payload rolloutPayload
		if err := json.Unmarshal(line.Payload, &payload); err != nil {
			return classified{kind: kindIgnore}
		}
		turnID := util.FirstNonEmpty(payload.TurnID, payload.ID)
		if _, ok := runStartEventTypes[payload.Type]; ok {
			return classified{kind: kindRunStart, turnID: turnID, ts: ts}
		}
		if _, ok := terminalEventTypes[payload.Type]; ok {
			return classified{kind: kindTerminal, turnID: turnID, ts: ts}
		}
		if payload.Type == "agent_message" {
			return classified{kind: kindAssistantMessage, turnID: turnID, ts: ts}
		}
		// 其余 event_msg (reasoning/deltas/token_count/...) 一律视为活动
		return classified{kind: kindActivity, turnID: turnID, ts: ts}

	case "response_item":
		var payload rolloutPayload
		if err := json.Unmarshal(line.Payload, &payload); err != nil {
			return classified{kind: kindIgnore}
		}
		switch payload.Type {
		case "function_call":
			if strings.TrimSpace(payload.CallID) == "" {
				return classified{kind: kindActivity, ts: ts}
			}
			return classified{kind: kindToolStart, callID: payload.CallID, ts: ts}
		case "function_call_output":
			if strings.TrimSpace(payload.CallID) == "" {
				return classified{kind: kindActivity, ts: ts}
			}
			return classified{kind: kindToolEnd, callID: payload.CallID, ts: ts}
		case "message":
			if payload.Role == "assistant" {
				return classified{kind: kindAssistantMessage, ts: ts}
			}
			if payload.Role == "user" {
				return classified{kind: kindRunStart, ts: ts}
			}
			return classified{kind: kindActivity, ts: ts}
		default:
			return classified{kind: kindActivity, ts: ts}
		}

	default:
		return classified{kind: kindIgnore}
	}
}

// parseLineTime 解析行时间戳, 失败返回零值 (状态机以观察时间兜底)。
func parseLineTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
