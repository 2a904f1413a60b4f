// threadsnapshot.go — 引擎 thread/read 快照解析。
//
// 中断目标解析与本地 run 对账都需要"现场"线程状态, 而不是
// 通知喂出来的缓存; 这里把引擎返回的 turn 列表折算成两个问题的
// 答案: 哪些 turn 正在运行, 最后一个 turn 是否已带终止印记。
package relay

import (
	"encoding/json"
	"strings"
)

// ThreadSnapshot 引擎侧线程快照中与 run 判定相关的字段。
type ThreadSnapshot struct {
	RunningTurnIDs   []string // 归一化别名, 按快照顺序
	LastTurnID       string   // 快照中最后一个 turn
	LastTurnTerminal bool     // 最后一个 turn 带终止状态/错误/完成时间戳
}

// snapshotTurn 引擎 turn 对象中我们关心的字段。
type snapshotTurn struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Error       json.RawMessage `json:"error"`
	CompletedAt string          `json:"completedAt"`
}

// parseThreadSnapshot 容忍 turns 平铺或嵌在 thread 下的两种返回形态。
// 解析失败返回零值快照, 调用方按"快照不可用"降级。
func parseThreadSnapshot(raw json.RawMessage) ThreadSnapshot {
	var payload struct {
		Turns  []snapshotTurn `json:"turns"`
		Thread struct {
			Turns []snapshotTurn `json:"turns"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ThreadSnapshot{}
	}
	turns := payload.Turns
	if len(turns) == 0 {
		turns = payload.Thread.Turns
	}

	var snap ThreadSnapshot
	for _, turn := range turns {
		id := NormalizeTurnAlias(turn.ID)
		if id == "" {
			continue
		}
		if isRunningTurnStatus(turn.Status) {
			snap.RunningTurnIDs = append(snap.RunningTurnIDs, id)
		}
		snap.LastTurnID = id
		snap.LastTurnTerminal = isTerminalTurnStatus(turn.Status) ||
			len(turn.Error) > 0 && string(turn.Error) != "null" ||
			strings.TrimSpace(turn.CompletedAt) != ""
	}
	return snap
}

func isRunningTurnStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "inprogress", "in_progress", "running", "active", "started":
		return true
	}
	return false
}

func isTerminalTurnStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "failed", "aborted", "interrupted", "error", "canceled", "cancelled":
		return true
	}
	return false
}
