// reconciler.go — tail rollout 日志推导线程活动状态。
package rollout

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
	"github.com/multi-agent/codex-relay/pkg/logger"
)

// threadState 单线程 tail 状态。
//
// offset 只前进; 文件大小回退视为轮转, 整体重置。
// partial 保存上次读取末尾的不完整行, 下次拼接。
type threadState struct {
	path           string
	offset         int64
	partial        []byte
	discardPartial bool // bootstrap seek 落在行中间, 丢弃到首个换行符
	bootstrapped   bool

	pending        map[string]struct{} // 未收到输出的工具调用 call_id
	runStartedAt   time.Time
	lastActivityAt time.Time
	terminalAt     time.Time
	observedTurnID string
	lastErr        error
}

// ThreadStatus 对外快照。
type ThreadStatus struct {
	ThreadID       string    `json:"threadId"`
	Path           string    `json:"path"`
	Offset         int64     `json:"offset"`
	PendingCalls   []string  `json:"pendingCalls"`
	RunStartedAt   time.Time `json:"runStartedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	TerminalAt     time.Time `json:"terminalAt"`
	ObservedTurnID string    `json:"observedTurnId"`
	Active         bool      `json:"active"`
}

// Options Reconciler 配置。
type Options struct {
	BootstrapThreshold int64         // 首次打开大文件时, 从 size-threshold 处开始读
	StalePending       time.Duration // 有挂起工具调用时的活动超时
	RunIdle            time.Duration // 无挂起工具调用时的活动超时
	PollInterval       time.Duration
}

// Reconciler 周期性 tail 所有被关注线程的 rollout 日志,
// 独立于 RPC 通知流推导"线程是否有活跃 run"。
type Reconciler struct {
	index *Index
	opts  Options

	// ========================================
	// 锁职责说明
	// ========================================
	// mu: 保护 threads 映射及其内部状态。
	// Poll 的文件 IO 在锁外执行, 仅状态合并持锁。
	// ========================================

	mu      sync.Mutex
	threads map[string]*threadState

	now func() time.Time // 测试注入
}

// NewReconciler 创建对账器。
func NewReconciler(index *Index, opts Options) *Reconciler {
	if opts.BootstrapThreshold <= 0 {
		opts.BootstrapThreshold = 256 << 10
	}
	if opts.StalePending <= 0 {
		opts.StalePending = 10 * time.Minute
	}
	if opts.RunIdle <= 0 {
		opts.RunIdle = 90 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Reconciler{
		index:   index,
		opts:    opts,
		threads: make(map[string]*threadState),
		now:     time.Now,
	}
}

// Watch 注册线程, 后续 Run 循环会持续 tail 它的日志。幂等。
func (r *Reconciler) Watch(threadID string) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return
	}
	r.mu.Lock()
	if _, ok := r.threads[threadID]; !ok {
		r.threads[threadID] = &threadState{pending: make(map[string]struct{})}
		logger.Info("reconciler: watching thread", logger.FieldThreadID, threadID)
	}
	r.mu.Unlock()
}

// Unwatch 停止跟踪线程并丢弃状态。
func (r *Reconciler) Unwatch(threadID string) {
	threadID = strings.TrimSpace(threadID)
	r.mu.Lock()
	delete(r.threads, threadID)
	r.mu.Unlock()
	r.index.Forget(threadID)
}

// Tracking 返回线程是否在跟踪中。
func (r *Reconciler) Tracking(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.threads[strings.TrimSpace(threadID)]
	return ok
}

// Run 周期性 Poll 所有被关注线程, ctx 取消后退出。
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range r.watchedThreads() {
				if err := r.Poll(id); err != nil {
					logger.Debug("reconciler: poll failed",
						logger.FieldThreadID, id,
						logger.FieldError, err,
					)
				}
			}
		}
	}
}

func (r *Reconciler) watchedThreads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.threads))
	for id := range r.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watched 返回当前被跟踪的线程 id 列表。
func (r *Reconciler) Watched() []string { return r.watchedThreads() }

// Poll 读取线程 rollout 日志的新增内容并更新状态。
//
// 路径轮转 (Index 返回了新文件) 时丢弃旧状态从头建立;
// 文件变小 (截断) 同样整体重置。
func (r *Reconciler) Poll(threadID string) error {
	threadID = strings.TrimSpace(threadID)

	path, err := r.index.Lookup(threadID)
	if err != nil {
		r.setLastErr(threadID, err)
		return apperrors.WrapCode(err, "Reconciler.Poll", apperrors.CodeStaleLogIO, "lookup rollout path")
	}

	r.mu.Lock()
	st, ok := r.threads[threadID]
	if !ok {
		r.mu.Unlock()
		return nil // 已 Unwatch
	}
	if st.path != "" && st.path != path {
		logger.Info("reconciler: rollout path rotated",
			logger.FieldThreadID, threadID,
			logger.FieldPath, path,
		)
		st = &threadState{pending: make(map[string]struct{})}
		r.threads[threadID] = st
	}
	st.path = path
	offset := st.offset
	bootstrapped := st.bootstrapped
	r.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		r.setLastErr(threadID, err)
		return apperrors.WrapCode(err, "Reconciler.Poll", apperrors.CodeStaleLogIO, "open rollout file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		r.setLastErr(threadID, err)
		return apperrors.WrapCode(err, "Reconciler.Poll", apperrors.CodeStaleLogIO, "stat rollout file")
	}
	size := info.Size()

	discardPartial := false
	if !bootstrapped {
		if size > r.opts.BootstrapThreshold {
			offset = size - r.opts.BootstrapThreshold
			discardPartial = true
		}
	} else if size < offset {
		// 文件被截断, 从头重读
		logger.Warn("reconciler: rollout file truncated, resetting",
			logger.FieldThreadID, threadID,
			logger.FieldOffset, offset,
			logger.FieldBytes, size,
		)
		r.mu.Lock()
		if cur, ok := r.threads[threadID]; ok && cur == st {
			st = &threadState{path: path, pending: make(map[string]struct{})}
			r.threads[threadID] = st
		}
		r.mu.Unlock()
		offset = 0
	}

	if size == offset {
		r.finishPoll(threadID, st, offset, nil, discardPartial, true)
		return nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		r.setLastErr(threadID, err)
		return apperrors.WrapCode(err, "Reconciler.Poll", apperrors.CodeStaleLogIO, "seek rollout file")
	}
	data, err := io.ReadAll(io.LimitReader(f, size-offset))
	if err != nil {
		r.setLastErr(threadID, err)
		return apperrors.WrapCode(err, "Reconciler.Poll", apperrors.CodeStaleLogIO, "read rollout file")
	}

	r.finishPoll(threadID, st, offset+int64(len(data)), data, discardPartial, true)
	return nil
}

// finishPoll 合并读取结果到线程状态。
func (r *Reconciler) finishPoll(threadID string, st *threadState, newOffset int64, data []byte, discardPartial, markBootstrapped bool) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.threads[threadID]
	if !ok || cur != st {
		return // Poll 期间被 Unwatch 或重置
	}

	if discardPartial {
		st.discardPartial = true
	}
	if markBootstrapped {
		st.bootstrapped = true
	}
	st.offset = newOffset
	st.lastErr = nil

	if len(data) == 0 {
		return
	}

	buf := append(st.partial, data...)
	st.partial = nil

	if st.discardPartial {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			// 连首行都没读完, 继续丢弃
			return
		}
		buf = buf[idx+1:]
		st.discardPartial = false
	}

	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		applyClassified(st, classifyLine(line), now)
	}
	if len(buf) > 0 {
		st.partial = append([]byte(nil), buf...)
	}
}

// applyClassified 将单个分类事件合并进线程状态。
//
// 时间采用事件自带时间戳, 缺失时退回观察时间。
// 所有时间字段只向前推进, 乱序与重复事件天然幂等。
func applyClassified(st *threadState, c classified, now time.Time) {
	ts := c.ts
	if ts.IsZero() {
		ts = now
	}

	bump := func() {
		if ts.After(st.lastActivityAt) {
			st.lastActivityAt = ts
		}
	}

	switch c.kind {
	case kindIgnore:

	case kindRunStart:
		// 晚到的旧 run-start 不得撤销更新的终止判定
		if !st.terminalAt.IsZero() && ts.Before(st.terminalAt) {
			bump()
			return
		}
		st.pending = make(map[string]struct{})
		if ts.After(st.runStartedAt) {
			st.runStartedAt = ts
		}
		st.terminalAt = time.Time{}
		if c.turnID != "" {
			st.observedTurnID = c.turnID
		}
		bump()

	case kindActivity:
		if c.turnID != "" && st.observedTurnID == "" {
			st.observedTurnID = c.turnID
		}
		bump()

	case kindToolStart:
		st.pending[c.callID] = struct{}{}
		bump()

	case kindToolEnd:
		delete(st.pending, c.callID)
		bump()

	case kindTerminal:
		// 晚到的旧终止不得压过更新的 run-start
		if ts.Before(st.runStartedAt) {
			bump()
			return
		}
		if ts.After(st.terminalAt) {
			st.terminalAt = ts
		}
		st.pending = make(map[string]struct{})
		bump()

	case kindAssistantMessage:
		if len(st.pending) == 0 {
			if !ts.Before(st.runStartedAt) && ts.After(st.terminalAt) {
				st.terminalAt = ts
			}
		}
		bump()
	}
}

// Active 返回线程当前是否有活跃 run。
//
// 双阈值: 有挂起工具调用时容忍更长的静默 (工具可能长时间运行),
// 无挂起时短静默即判定 run 结束。
func (r *Reconciler) Active(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.threads[strings.TrimSpace(threadID)]
	if !ok {
		return false
	}
	return r.activeLocked(st)
}

func (r *Reconciler) activeLocked(st *threadState) bool {
	if st.runStartedAt.IsZero() {
		return false
	}
	// 终态判定要求: 无挂起工具调用, 且终态标记不早于最后活动。
	// 启发式终态 (assistant message) 之后又出现 function_call 时,
	// 挂起集非空、活动晚于终态, run 必须继续视为活跃。
	if len(st.pending) == 0 &&
		!st.terminalAt.IsZero() &&
		!st.terminalAt.Before(st.runStartedAt) &&
		!st.terminalAt.Before(st.lastActivityAt) {
		return false
	}
	threshold := r.opts.RunIdle
	if len(st.pending) > 0 {
		threshold = r.opts.StalePending
	}
	return r.now().Sub(st.lastActivityAt) <= threshold
}

// ObservedTurnID 返回日志中观察到的当前 turn id, 未见过返回空。
func (r *Reconciler) ObservedTurnID(threadID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.threads[strings.TrimSpace(threadID)]
	if !ok {
		return ""
	}
	return st.observedTurnID
}

// Status 返回线程状态快照, 未跟踪返回 ok=false。
func (r *Reconciler) Status(threadID string) (ThreadStatus, bool) {
	threadID = strings.TrimSpace(threadID)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.threads[threadID]
	if !ok {
		return ThreadStatus{}, false
	}
	return r.statusLocked(threadID, st), true
}

// Statuses 返回所有被跟踪线程的快照。
func (r *Reconciler) Statuses() []ThreadStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ThreadStatus, 0, len(r.threads))
	for id, st := range r.threads {
		out = append(out, r.statusLocked(id, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

func (r *Reconciler) statusLocked(threadID string, st *threadState) ThreadStatus {
	pending := make([]string, 0, len(st.pending))
	for id := range st.pending {
		pending = append(pending, id)
	}
	sort.Strings(pending)
	return ThreadStatus{
		ThreadID:       threadID,
		Path:           st.path,
		Offset:         st.offset,
		PendingCalls:   pending,
		RunStartedAt:   st.runStartedAt,
		LastActivityAt: st.lastActivityAt,
		TerminalAt:     st.terminalAt,
		ObservedTurnID: st.observedTurnID,
		Active:         r.activeLocked(st),
	}
}

func (r *Reconciler) setLastErr(threadID string, err error) {
	r.mu.Lock()
	if st, ok := r.threads[threadID]; ok {
		st.lastErr = err
	}
	r.mu.Unlock()
}
