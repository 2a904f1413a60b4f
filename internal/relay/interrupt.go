// interrupt.go — 中断协调器。
//
// 引擎被多个前端并发驱动时, "停止当前 turn" 需要本地协调:
//   - 并发请求去重: 同线程已有新鲜的在途中断时, 后来者挂靠等待同一结果,
//     指名不同 turn id 的后来者可重定向挂起记录的目标
//   - 目标解析: 现场 thread/read 快照 → 通知缓存 → 本地登记 → rollout 观察,
//     都拿不到 id 则挂起重试
//   - 别名形态回退: 裸数字优先, 前缀形态其次
//   - turn 级中断超时或 unknown turn 时, 回退一次整会话级中断
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
	"github.com/multi-agent/codex-relay/pkg/logger"
	"github.com/multi-agent/codex-relay/pkg/util"

	"github.com/multi-agent/codex-relay/internal/rollout"
)

// engineCaller 发往引擎的 RPC 调用面。
type engineCaller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// interruptState 协调器状态。
type interruptState int

const (
	interruptIdle interruptState = iota
	interruptResolving
	interruptInFlight
	interruptPendingRetry
)

func (s interruptState) String() string {
	switch s {
	case interruptIdle:
		return "idle"
	case interruptResolving:
		return "resolving"
	case interruptInFlight:
		return "in-flight"
	case interruptPendingRetry:
		return "pending-retry"
	default:
		return "unknown"
	}
}

// 挂起中断的原因标签。
const (
	interruptReasonDirect      = "direct"       // 目标 turn id 已解析
	interruptReasonUnknownTurn = "unknown_turn" // 观察到活动但拿不到 id
	interruptReasonPreStart    = "pre_start"    // 本地 intent 窗口内, turn 尚未启动
)

// InterruptResult 中断结果。
type InterruptResult struct {
	Confirmed     bool   `json:"confirmed"`
	Mode          string `json:"mode"` // "turn" | "legacy" | "none"
	InterruptSent bool   `json:"interruptSent"`
	TurnID        string `json:"turnId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	StateBefore   string `json:"stateBefore"`
	StateAfter    string `json:"stateAfter"`
	WaitedMS      int64  `json:"waitedMs"`
}

// externalTurnState 外部观察到的线程 turn 状态缓存。
type externalTurnState struct {
	running       bool
	turnID        string
	ownedExternal bool // turn 由其它前端 (桌面端) 发起
	updatedAt     time.Time
}

// interruptEntry 单线程在途中断。
type interruptEntry struct {
	state         interruptState
	reason        string // direct | unknown_turn | pre_start
	target        string // 解析出的目标 turn id; 挂起阶段可空
	requested     string // 请求方指名的 turn id (归一化); 去重时可被重定向
	correlationID string // 客户端关联 id, 全体等待者共享
	createdAt     time.Time
	lastAttemptAt time.Time
	inFlightAt    time.Time
	legacyUsed    bool
	waiters       []chan waiterOutcome
}

type waiterOutcome struct {
	result InterruptResult
	err    error
}

// InterruptOptions 协调器配置。
type InterruptOptions struct {
	TTL           time.Duration // pending-retry 总时限
	RetryInterval time.Duration // pending-retry 重试周期
	MinGap        time.Duration // 两次引擎调用的最小间隔
	LegacyAfter   time.Duration // 在途超过此时长后允许新请求触发 legacy 回退
	CallTimeout   time.Duration // 单次中断 RPC 超时
}

// InterruptCoordinator 线程中断协调器。
type InterruptCoordinator struct {
	engine engineCaller
	runs   *RunControl
	rec    *rollout.Reconciler
	opts   InterruptOptions

	// ========================================
	// 锁职责说明
	// ========================================
	// mu: 保护 entries 与 external 两个映射。
	// 引擎 RPC 在锁外执行。
	// ========================================

	mu       sync.Mutex
	entries  map[string]*interruptEntry
	external map[string]externalTurnState

	now func() time.Time // 测试注入
}

// NewInterruptCoordinator 创建协调器。
func NewInterruptCoordinator(engine engineCaller, runs *RunControl, rec *rollout.Reconciler, opts InterruptOptions) *InterruptCoordinator {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.MinGap <= 0 {
		opts.MinGap = 1500 * time.Millisecond
	}
	if opts.LegacyAfter <= 0 {
		opts.LegacyAfter = 8 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	return &InterruptCoordinator{
		engine:   engine,
		runs:     runs,
		rec:      rec,
		opts:     opts,
		entries:  make(map[string]*interruptEntry),
		external: make(map[string]externalTurnState),
		now:      time.Now,
	}
}

// ========================================
// 外部状态缓存
// ========================================

// ObserveTurnStarted 记录观察到的 turn 启动。
// ownedExternal 表示该 turn 并非经本 relay 发起。
func (ic *InterruptCoordinator) ObserveTurnStarted(threadID, turnID string, ownedExternal bool) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return
	}
	ic.mu.Lock()
	ic.external[threadID] = externalTurnState{
		running:       true,
		turnID:        NormalizeTurnAlias(turnID),
		ownedExternal: ownedExternal,
		updatedAt:     ic.now(),
	}
	ic.mu.Unlock()
}

// ObserveTurnCompleted 记录观察到的 turn 结束。
func (ic *InterruptCoordinator) ObserveTurnCompleted(threadID string) {
	threadID = strings.TrimSpace(threadID)
	ic.mu.Lock()
	if st, ok := ic.external[threadID]; ok {
		st.running = false
		st.updatedAt = ic.now()
		ic.external[threadID] = st
	}
	ic.mu.Unlock()
}

// ========================================
// 中断入口
// ========================================

// Interrupt 请求中断线程当前 turn。
//
// requestedTurn 可空; 非空时优先中断别名匹配的 turn。
// 并发调用同一线程时只发一次引擎 RPC, 全部调用方共享结果。
func (ic *InterruptCoordinator) Interrupt(ctx context.Context, threadID, requestedTurn string) (InterruptResult, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return InterruptResult{}, apperrors.New("InterruptCoordinator.Interrupt", "threadId is required")
	}
	start := ic.now()
	requested := NormalizeTurnAlias(requestedTurn)

	ic.mu.Lock()
	entry, ok := ic.entries[threadID]
	if ok {
		stateBefore := entry.state.String()
		// 指名不同 turn 的去重请求重定向挂起记录的目标
		if requested != "" && requested != entry.requested {
			entry.requested = requested
			if entry.state == interruptPendingRetry {
				entry.target = requested
			}
		}
		age := ic.now().Sub(entry.inFlightAt)
		if entry.state == interruptInFlight && age >= ic.opts.LegacyAfter && !entry.legacyUsed {
			// 在途太久: 本请求负责触发一次整会话回退, 结果共享给所有等待者
			entry.legacyUsed = true
			ch := ic.joinLocked(entry)
			ic.mu.Unlock()
			util.SafeGo(func() { ic.runLegacyFallback(threadID, stateBefore) })
			return ic.await(ctx, ch, start)
		}
		// 新鲜在途或挂起重试: 挂靠等待
		ch := ic.joinLocked(entry)
		ic.mu.Unlock()
		logger.Info("interrupt: joined in-flight request",
			logger.FieldThreadID, threadID,
			logger.FieldState, stateBefore,
		)
		return ic.await(ctx, ch, start)
	}

	// 本请求成为 leader
	entry = &interruptEntry{
		state:         interruptResolving,
		requested:     requested,
		correlationID: uuid.NewString(),
		createdAt:     start,
	}
	ch := ic.joinLocked(entry)
	ic.entries[threadID] = entry
	ic.mu.Unlock()

	util.SafeGo(func() { ic.lead(threadID, entry) })
	return ic.await(ctx, ch, start)
}

func (ic *InterruptCoordinator) joinLocked(entry *interruptEntry) chan waiterOutcome {
	ch := make(chan waiterOutcome, 1)
	entry.waiters = append(entry.waiters, ch)
	return ch
}

func (ic *InterruptCoordinator) await(ctx context.Context, ch chan waiterOutcome, start time.Time) (InterruptResult, error) {
	select {
	case out := <-ch:
		out.result.WaitedMS = ic.now().Sub(start).Milliseconds()
		return out.result, out.err
	case <-ctx.Done():
		return InterruptResult{}, ctx.Err()
	}
}

// finish 投递结果给所有等待者并清除登记。
func (ic *InterruptCoordinator) finish(threadID string, entry *interruptEntry, result InterruptResult, err error) {
	ic.mu.Lock()
	if cur, ok := ic.entries[threadID]; ok && cur == entry {
		delete(ic.entries, threadID)
	}
	waiters := entry.waiters
	entry.waiters = nil
	result.CorrelationID = entry.correlationID
	ic.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- waiterOutcome{result: result, err: err}:
		default:
		}
	}
}

// ========================================
// Leader 路径
// ========================================

// lead 解析目标并执行中断。
func (ic *InterruptCoordinator) lead(threadID string, entry *interruptEntry) {
	ic.mu.Lock()
	requested := entry.requested
	ic.mu.Unlock()
	target, ownedExternal, pendingReason := ic.resolveTarget(threadID, requested)

	if ownedExternal {
		ic.finish(threadID, entry, InterruptResult{
			Mode:        "none",
			StateBefore: interruptResolving.String(),
			StateAfter:  interruptIdle.String(),
		}, apperrors.WrapCode(apperrors.ErrExternalOwnership, "InterruptCoordinator.lead", apperrors.CodeExternalOwnership,
			"turn is driven by another surface"))
		return
	}

	if pendingReason != "" {
		ic.mu.Lock()
		entry.state = interruptPendingRetry
		entry.reason = pendingReason
		ic.mu.Unlock()
		ic.retryLoop(threadID, entry)
		return
	}

	ic.mu.Lock()
	entry.reason = interruptReasonDirect
	ic.mu.Unlock()

	if target == "" {
		ic.finish(threadID, entry, InterruptResult{
			Mode:        "none",
			StateBefore: interruptResolving.String(),
			StateAfter:  interruptIdle.String(),
		}, apperrors.Wrap(apperrors.ErrNoActiveTurn, "InterruptCoordinator.lead", "no active turn"))
		return
	}

	ic.execute(threadID, target, entry)
}

// resolveTarget 按固定顺序解析中断目标。
//
// 返回非空 pendingReason 表示观察到活动但拿不到 turn id, 需要挂起重试。
func (ic *InterruptCoordinator) resolveTarget(threadID, requestedTurn string) (target string, ownedExternal bool, pendingReason string) {
	requested := NormalizeTurnAlias(requestedTurn)

	// 1. 现场快照: 正在运行的 turn 以引擎亲口所说为准
	if fresh := ic.readEngineSnapshot(threadID); len(fresh.RunningTurnIDs) > 0 {
		target = fresh.RunningTurnIDs[0]
		for _, id := range fresh.RunningTurnIDs {
			if requested != "" && SameTurnAlias(id, requested) {
				target = id
				break
			}
		}
		return target, ic.externallyOwned(threadID, target), ""
	}

	ic.mu.Lock()
	ext, hasExt := ic.external[threadID]
	ic.mu.Unlock()

	// 2. 通知缓存中正在运行且别名匹配
	if hasExt && ext.running && requested != "" && SameTurnAlias(ext.turnID, requested) {
		return ext.turnID, ext.ownedExternal, ""
	}
	// 3. 通知缓存中任意正在运行的 turn
	if hasExt && ext.running && ext.turnID != "" {
		return ext.turnID, ext.ownedExternal, ""
	}
	// 4. 本地登记
	if snap := ic.runs.Snapshot(threadID); snap.Active {
		if snap.TurnID != "" {
			return snap.TurnID, false, ""
		}
		// 本地已登记但 turn id 未知 (intent 阶段) → 挂起等 id
		return "", false, interruptReasonPreStart
	}
	// 5. rollout 对账器观察。对账器只能说明"有活动", 说明不了归属,
	// 拒绝权留给通知层的外部启动信号, 这里照常尝试中断
	if ic.rec != nil && ic.rec.Active(threadID) {
		if observed := NormalizeTurnAlias(ic.rec.ObservedTurnID(threadID)); observed != "" {
			return observed, false, ""
		}
		// 6. 有活动但无 id → unknown_turn 挂起重试
		return "", false, interruptReasonUnknownTurn
	}
	return "", false, ""
}

// readEngineSnapshot 现场读一次线程快照, 失败按"不可用"降级返回零值。
func (ic *InterruptCoordinator) readEngineSnapshot(threadID string) ThreadSnapshot {
	if ic.engine == nil {
		return ThreadSnapshot{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), ic.opts.CallTimeout)
	defer cancel()
	raw, err := ic.engine.Call(ctx, "thread/read", map[string]any{"threadId": threadID})
	if err != nil {
		logger.Debug("interrupt: thread/read for resolution failed",
			logger.FieldThreadID, threadID,
			logger.FieldError, err,
		)
		return ThreadSnapshot{}
	}
	return parseThreadSnapshot(raw)
}

// externallyOwned 判断快照解析出的 turn 是否由其它前端发起。
// 本地登记过的 turn 一律视为本 relay 所有; 其余看通知缓存的启动信号。
func (ic *InterruptCoordinator) externallyOwned(threadID, turnID string) bool {
	if snap := ic.runs.Snapshot(threadID); snap.Active && SameTurnAlias(snap.TurnID, turnID) {
		return false
	}
	ic.mu.Lock()
	ext, ok := ic.external[threadID]
	ic.mu.Unlock()
	return ok && ext.running && ext.ownedExternal && SameTurnAlias(ext.turnID, turnID)
}

// execute 发出 turn 级中断, 必要时回退 legacy。
func (ic *InterruptCoordinator) execute(threadID, target string, entry *interruptEntry) {
	ic.mu.Lock()
	entry.state = interruptInFlight
	entry.reason = interruptReasonDirect
	entry.target = target
	entry.inFlightAt = ic.now()
	entry.lastAttemptAt = entry.inFlightAt
	ic.mu.Unlock()

	result := InterruptResult{
		Mode:        "turn",
		TurnID:      target,
		StateBefore: interruptResolving.String(),
	}

	var lastErr error
	for _, form := range TurnAliasForms(target) {
		ctx, cancel := context.WithTimeout(context.Background(), ic.opts.CallTimeout)
		_, err := ic.engine.Call(ctx, "turn/interrupt", map[string]any{
			"threadId": threadID,
			"turnId":   form,
		})
		cancel()
		result.InterruptSent = true
		if err == nil {
			logger.Info("interrupt: turn interrupt confirmed",
				logger.FieldThreadID, threadID,
				logger.FieldTurnID, form,
			)
			ic.confirm(threadID, target)
			result.Confirmed = true
			result.StateAfter = interruptIdle.String()
			ic.finish(threadID, entry, result, nil)
			return
		}
		lastErr = err
		if !isUnknownTurnError(err) && apperrors.CodeOf(err) != apperrors.CodeTransportTimeout {
			break
		}
		logger.Warn("interrupt: alias form rejected, trying next",
			logger.FieldThreadID, threadID,
			logger.FieldTurnID, form,
			logger.FieldError, err,
		)
		ic.pause()
	}

	// turn 级失败 (超时或 unknown turn): 回退一次整会话中断
	if isUnknownTurnError(lastErr) || apperrors.CodeOf(lastErr) == apperrors.CodeTransportTimeout {
		ic.mu.Lock()
		entry.legacyUsed = true
		ic.mu.Unlock()
		if err := ic.callLegacy(threadID); err == nil {
			ic.confirm(threadID, target)
			result.Confirmed = true
			result.Mode = "legacy"
			result.StateAfter = interruptIdle.String()
			ic.finish(threadID, entry, result, nil)
			return
		} else {
			lastErr = err
		}
		result.Mode = "legacy"
	}

	result.StateAfter = interruptIdle.String()
	ic.finish(threadID, entry, result, apperrors.Wrap(lastErr, "InterruptCoordinator.execute", "interrupt failed"))
}

// runLegacyFallback 针对超龄在途中断执行整会话回退。
func (ic *InterruptCoordinator) runLegacyFallback(threadID, stateBefore string) {
	err := ic.callLegacy(threadID)

	ic.mu.Lock()
	entry, ok := ic.entries[threadID]
	ic.mu.Unlock()
	if !ok {
		return // 原 leader 已完结
	}
	if err != nil {
		logger.Warn("interrupt: legacy fallback failed",
			logger.FieldThreadID, threadID,
			logger.FieldError, err,
		)
		return // 原 leader 的 turn 级路径继续走
	}
	ic.confirm(threadID, entry.target)
	ic.finish(threadID, entry, InterruptResult{
		Confirmed:     true,
		Mode:          "legacy",
		InterruptSent: true,
		TurnID:        entry.target,
		StateBefore:   stateBefore,
		StateAfter:    interruptIdle.String(),
	}, nil)
}

func (ic *InterruptCoordinator) callLegacy(threadID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ic.opts.CallTimeout)
	defer cancel()
	_, err := ic.engine.Call(ctx, "interruptConversation", map[string]any{
		"conversationId": threadID,
	})
	if err == nil {
		logger.Info("interrupt: legacy conversation interrupt confirmed", logger.FieldThreadID, threadID)
	}
	return err
}

// confirm 中断确认后的本地善后: 完结本地登记, 翻转外部缓存。
func (ic *InterruptCoordinator) confirm(threadID, target string) {
	ic.runs.MarkTurnCompleted(threadID, target)
	ic.mu.Lock()
	if st, ok := ic.external[threadID]; ok {
		st.running = false
		st.updatedAt = ic.now()
		ic.external[threadID] = st
	}
	ic.mu.Unlock()
}

// retryLoop 挂起重试: 周期性重新解析目标, 直到拿到 id、
// run 自行结束 (supersession) 或 TTL 耗尽。
func (ic *InterruptCoordinator) retryLoop(threadID string, entry *interruptEntry) {
	ticker := time.NewTicker(ic.opts.RetryInterval)
	defer ticker.Stop()

	ic.mu.Lock()
	entry.lastAttemptAt = ic.now()
	ic.mu.Unlock()

	for range ticker.C {
		now := ic.now()
		ic.mu.Lock()
		expired := now.Sub(entry.createdAt) > ic.opts.TTL
		tooSoon := now.Sub(entry.lastAttemptAt) < ic.opts.MinGap
		if !expired && !tooSoon {
			entry.lastAttemptAt = now
		}
		requested := entry.requested
		ic.mu.Unlock()

		if expired {
			ic.finish(threadID, entry, InterruptResult{
				Mode:        "none",
				StateBefore: interruptPendingRetry.String(),
				StateAfter:  interruptIdle.String(),
			}, apperrors.Wrap(apperrors.ErrNoActiveTurn, "InterruptCoordinator.retryLoop", "no active turn (retry ttl expired)"))
			return
		}
		if tooSoon {
			continue
		}

		target, ownedExternal, pendingReason := ic.resolveTarget(threadID, requested)
		if ownedExternal {
			ic.finish(threadID, entry, InterruptResult{
				Mode:        "none",
				StateBefore: interruptPendingRetry.String(),
				StateAfter:  interruptIdle.String(),
			}, apperrors.WrapCode(apperrors.ErrExternalOwnership, "InterruptCoordinator.retryLoop", apperrors.CodeExternalOwnership,
				"turn is driven by another surface"))
			return
		}
		if pendingReason != "" {
			ic.mu.Lock()
			entry.reason = pendingReason
			ic.mu.Unlock()
			continue
		}
		if target == "" {
			// run 已自行结束: 视为目标消亡, 无需再中断
			ic.finish(threadID, entry, InterruptResult{
				Confirmed:   true,
				Mode:        "none",
				StateBefore: interruptPendingRetry.String(),
				StateAfter:  interruptIdle.String(),
			}, nil)
			return
		}
		ic.execute(threadID, target, entry)
		return
	}
}

// pause 两次引擎调用之间的最小间隔。
func (ic *InterruptCoordinator) pause() {
	time.Sleep(ic.opts.MinGap)
}

// isUnknownTurnError 判断引擎错误是否表示"无此 turn/无可中断对象"。
func isUnknownTurnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"no active turn",
		"nothing to interrupt",
		"not interruptible",
		"unknown turn",
		"turn not found",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
