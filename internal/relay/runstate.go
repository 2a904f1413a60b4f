// runstate.go — relay 本地发起 run 的生命周期登记。
//
// 只记录经过本 relay 的 turn; 桌面端直接驱动引擎的 turn 不在此登记,
// 由 rollout 对账器兜底观察。
package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/multi-agent/codex-relay/internal/rollout"
	"github.com/multi-agent/codex-relay/pkg/logger"
)

// NormalizeTurnAlias 归一化 turn 别名。
//
// 引擎在不同 API 版本里用过 "7" 和 "turn-7" 两种形态指同一个 turn,
// 统一折叠成裸数字形态作为比较基准; 其它形态原样 (trim 后) 保留。
func NormalizeTurnAlias(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	digits := strings.TrimPrefix(trimmed, "turn-")
	if digits != "" && isAllDigits(digits) {
		return digits
	}
	return trimmed
}

// TurnAliasForms 返回请求引擎时依次尝试的别名形态: 裸数字优先, 前缀形态其次。
// 非数字别名只有一种形态。
func TurnAliasForms(raw string) []string {
	canonical := NormalizeTurnAlias(raw)
	if canonical == "" {
		return nil
	}
	if isAllDigits(canonical) {
		return []string{canonical, "turn-" + canonical}
	}
	return []string{canonical}
}

// SameTurnAlias 判断两个别名是否指同一 turn ("turn-7" ≡ "7")。
func SameTurnAlias(a, b string) bool {
	na, nb := NormalizeTurnAlias(a), NormalizeTurnAlias(b)
	return na != "" && na == nb
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// runEntry 单线程的本地 run 记录。
type runEntry struct {
	turnID          string    // 归一化别名; intent 阶段为空
	intentExpiresAt time.Time // intent 窗口到期时刻; turn 启动后清零
	startedAt       time.Time
	updatedAt       time.Time
}

// RunSnapshot 对外快照。
type RunSnapshot struct {
	Active bool   `json:"active"`
	TurnID string `json:"turnId"`
}

// RunControl 本地 run 登记表。
type RunControl struct {
	mu     sync.Mutex
	active map[string]*runEntry // threadID → entry

	idlePrune    time.Duration // 超过此时长无更新的登记直接剔除
	idleGrace    time.Duration // 对账兜底: 静默超过此时长且对账器判定不活跃时强制完结
	intentWindow time.Duration // intent 登记在没有 turn 启动确认时的存活窗口

	now func() time.Time // 测试注入
}

// NewRunControl 创建登记表。
func NewRunControl(idlePrune, idleGrace time.Duration) *RunControl {
	if idlePrune <= 0 {
		idlePrune = 5 * time.Minute
	}
	if idleGrace <= 0 {
		idleGrace = 2 * time.Minute
	}
	return &RunControl{
		active:       make(map[string]*runEntry),
		idlePrune:    idlePrune,
		idleGrace:    idleGrace,
		intentWindow: 30 * time.Second,
		now:          time.Now,
	}
}

// MarkIntent 登记"即将发起 turn"。turn id 未知, 但线程进入短活跃窗口;
// 窗口内没等来启动确认则快照自动回落为不活跃。
func (rc *RunControl) MarkIntent(threadID string) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return
	}
	now := rc.now()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.active[threadID]
	if !ok {
		entry = &runEntry{startedAt: now}
		rc.active[threadID] = entry
	}
	if entry.turnID == "" {
		entry.intentExpiresAt = now.Add(rc.intentWindow)
	}
	entry.updatedAt = now
}

// MarkTurnStarted 登记 turn 启动, 覆盖 intent 阶段的空 turn id 并清除窗口。
func (rc *RunControl) MarkTurnStarted(threadID, turnID string) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return
	}
	now := rc.now()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.active[threadID]
	if !ok {
		entry = &runEntry{startedAt: now}
		rc.active[threadID] = entry
	}
	entry.turnID = NormalizeTurnAlias(turnID)
	entry.intentExpiresAt = time.Time{}
	entry.updatedAt = now
}

// Touch 刷新线程的活动时间 (流式事件到达时调用)。
func (rc *RunControl) Touch(threadID string) {
	threadID = strings.TrimSpace(threadID)
	rc.mu.Lock()
	if entry, ok := rc.active[threadID]; ok {
		entry.updatedAt = rc.now()
	}
	rc.mu.Unlock()
}

// MarkTurnCompleted 完结登记。
//
// turnID 为空时无条件完结; 非空时只完结别名匹配的登记,
// 避免迟到的旧 turn 完结信号误杀新 turn。
func (rc *RunControl) MarkTurnCompleted(threadID, turnID string) {
	threadID = strings.TrimSpace(threadID)
	turnID = NormalizeTurnAlias(turnID)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.active[threadID]
	if !ok {
		return
	}
	if turnID != "" && entry.turnID != "" && entry.turnID != turnID {
		logger.Debug("run control: completion for non-current turn ignored",
			logger.FieldThreadID, threadID,
			logger.FieldTurnID, turnID,
			"current", entry.turnID,
		)
		return
	}
	delete(rc.active, threadID)
}

// Snapshot 返回线程的本地 run 快照。
// 活跃 = 已知 turn id, 或 intent 窗口尚未到期。
func (rc *RunControl) Snapshot(threadID string) RunSnapshot {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.active[strings.TrimSpace(threadID)]
	if !ok {
		return RunSnapshot{}
	}
	active := entry.turnID != "" || entry.intentExpiresAt.After(rc.now())
	return RunSnapshot{Active: active, TurnID: entry.turnID}
}

// ActiveThreads 返回当前登记的线程列表。
func (rc *RunControl) ActiveThreads() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, 0, len(rc.active))
	for id := range rc.active {
		out = append(out, id)
	}
	return out
}

// Reconcile 对照现场引擎快照与 rollout 对账器修正登记表,
// 返回被强制完结的线程。
//
// readSnapshot 现场读一次引擎线程快照 (可为 nil); 快照里仍有运行中
// turn 时本轮放过该线程。三种强制完结条件:
//  1. 现场快照无运行中 turn 且最后一个 turn 带终止印记
//  2. 对账器看到了终止快照 (terminal 在 run-start 之后)
//  3. 本地静默超过 grace 且对账器判定线程不活跃
//
// 超过 idlePrune 的僵尸登记无条件剔除。
func (rc *RunControl) Reconcile(rec *rollout.Reconciler, readSnapshot func(threadID string) (ThreadSnapshot, bool)) []string {
	now := rc.now()
	var completed []string

	rc.mu.Lock()
	defer rc.mu.Unlock()
	for threadID, entry := range rc.active {
		idle := now.Sub(entry.updatedAt)

		if idle > rc.idlePrune {
			logger.Warn("run control: pruning stale run entry",
				logger.FieldThreadID, threadID,
				logger.FieldTurnID, entry.turnID,
				logger.FieldDurationMS, idle.Milliseconds(),
			)
			delete(rc.active, threadID)
			completed = append(completed, threadID)
			continue
		}

		if readSnapshot != nil {
			if snap, ok := readSnapshot(threadID); ok {
				if len(snap.RunningTurnIDs) > 0 {
					continue // 引擎亲口说还在跑
				}
				if snap.LastTurnTerminal {
					logger.Info("run control: force-completing run (terminal status in engine snapshot)",
						logger.FieldThreadID, threadID,
						logger.FieldTurnID, entry.turnID,
					)
					delete(rc.active, threadID)
					completed = append(completed, threadID)
					continue
				}
			}
		}

		if rec == nil {
			continue
		}
		if status, ok := rec.Status(threadID); ok {
			terminalSeen := !status.TerminalAt.IsZero() && !status.TerminalAt.Before(status.RunStartedAt)
			if terminalSeen && !status.Active {
				logger.Info("run control: force-completing run (terminal observed in rollout)",
					logger.FieldThreadID, threadID,
					logger.FieldTurnID, entry.turnID,
				)
				delete(rc.active, threadID)
				completed = append(completed, threadID)
				continue
			}
		}
		if idle > rc.idleGrace && !rec.Active(threadID) {
			logger.Info("run control: force-completing run (idle past grace, reconciler inactive)",
				logger.FieldThreadID, threadID,
				logger.FieldTurnID, entry.turnID,
				logger.FieldDurationMS, idle.Milliseconds(),
			)
			delete(rc.active, threadID)
			completed = append(completed, threadID)
		}
	}
	return completed
}
