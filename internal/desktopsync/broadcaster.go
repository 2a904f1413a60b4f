// broadcaster.go — 桌面端实时同步推送。
//
// 桌面应用在本机 Unix 套接字上监听; relay 把 turn 生命周期折算成
// 线程快照与列表刷新提示 (nudge) 推给它。每次推送都是一条短连接:
// connect → initialize → broadcast → 等待冲刷间隔 → close。
//
// 解/加锁语义 (桌面端把运行中的线程置顶锁定):
//   - turn 启动: 运行序号 +1, 取消挂起的解锁脉冲, 推进行中快照 + unarchive 提示
//   - turn 终结: 推最终快照, 延迟调度 archive→unarchive 脉冲;
//     脉冲以运行序号为键, 新 turn 启动后过期脉冲自动失效
package desktopsync

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/codex-relay/pkg/logger"
	"github.com/multi-agent/codex-relay/pkg/util"
)

// Options 推送器配置。
type Options struct {
	SocketPath  string        // 空 = 禁用
	Throttle    time.Duration // 快照节流间隔
	UnlockDelay time.Duration // 终结后距解锁脉冲的延迟
	PulseGap    time.Duration // archive → unarchive 两帧间隔
	FlushDelay  time.Duration // broadcast 写完后到关连接的冲刷等待
	DialTimeout time.Duration
}

// Broadcaster 桌面端推送器。所有推送经单 worker 串行执行,
// 保证帧到达桌面端的顺序与事件顺序一致。
type Broadcaster struct {
	opts     Options
	clientID string

	tasks   chan func()
	closeCh chan struct{}
	once    sync.Once

	// ========================================
	// 锁职责说明
	// ========================================
	// mu 保护以下全部可变状态; 套接字 IO 只在 worker goroutine 发生,
	// 不持锁。
	// ========================================
	mu            sync.Mutex
	runSeq        map[string]int64       // threadID → 运行序号, 每次 turn 启动递增
	streaming     map[string]bool        // threadID → 事件流是否仍在推进
	titles        map[string]string      // threadID → 最近一次非空标题
	lastPushAt    map[string]time.Time   // threadID → 上次快照时间 (节流)
	pendingUnlock map[string]*time.Timer // threadID → 已调度的解锁脉冲
	socketMissing bool                   // 缺失只告警一次

	now func() time.Time
}

// NewBroadcaster 创建推送器并启动 worker。
func NewBroadcaster(opts Options) *Broadcaster {
	if opts.Throttle <= 0 {
		opts.Throttle = 800 * time.Millisecond
	}
	if opts.UnlockDelay <= 0 {
		opts.UnlockDelay = 2500 * time.Millisecond
	}
	if opts.PulseGap <= 0 {
		opts.PulseGap = 350 * time.Millisecond
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = 150 * time.Millisecond
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	b := &Broadcaster{
		opts:          opts,
		clientID:      uuid.NewString(),
		tasks:         make(chan func(), 128),
		closeCh:       make(chan struct{}),
		runSeq:        make(map[string]int64),
		streaming:     make(map[string]bool),
		titles:        make(map[string]string),
		lastPushAt:    make(map[string]time.Time),
		pendingUnlock: make(map[string]*time.Timer),
		now:           time.Now,
	}
	util.SafeGo(b.worker)
	return b
}

// Enabled 是否配置了套接字路径。
func (b *Broadcaster) Enabled() bool { return strings.TrimSpace(b.opts.SocketPath) != "" }

// Close 停止 worker 并取消全部挂起脉冲。
func (b *Broadcaster) Close() {
	b.once.Do(func() {
		close(b.closeCh)
		b.mu.Lock()
		for threadID, t := range b.pendingUnlock {
			t.Stop()
			delete(b.pendingUnlock, threadID)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) worker() {
	for {
		select {
		case <-b.closeCh:
			return
		case task := <-b.tasks:
			task()
		}
	}
}

func (b *Broadcaster) enqueue(task func()) {
	select {
	case <-b.closeCh:
	case b.tasks <- task:
	default:
		logger.Warn("desktop-sync: task queue full, dropping push")
	}
}

// ========================================
// 事件入口
// ========================================

// eventScope 事件载荷中的定位与展示字段。
type eventScope struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Title    string `json:"title"`
	Thread   struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Name  string `json:"name"`
	} `json:"thread"`
	Turn struct {
		ID string `json:"id"`
	} `json:"turn"`
}

func parseEventScope(params any) (threadID, turnID, title string) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", "", ""
	}
	var scope eventScope
	if err := json.Unmarshal(raw, &scope); err != nil {
		return "", "", ""
	}
	threadID = util.FirstNonEmpty(scope.ThreadID, scope.Thread.ID)
	turnID = util.FirstNonEmpty(scope.TurnID, scope.Turn.ID)
	title = util.FirstNonEmpty(scope.Title, scope.Thread.Title, scope.Thread.Name)
	return threadID, turnID, title
}

// HandleEvent relay 通知钩子入口。按方法名折算桌面端动作。
func (b *Broadcaster) HandleEvent(method string, params any) {
	if !b.Enabled() {
		return
	}
	threadID, turnID, title := parseEventScope(params)
	if threadID == "" {
		return
	}
	b.rememberTitle(threadID, title)

	switch method {
	case "turn/started":
		b.onTurnStarted(threadID, turnID)
	case "turn/completed", "turn/failed", "turn/aborted":
		b.onTurnTerminal(threadID, turnID, method)
	default:
		b.onActivity(threadID, turnID)
	}
}

// onTurnStarted 本线程运行序号推进, 撤销挂起解锁, 立即推进行中状态。
// 序号按线程隔离: 其他线程的 turn 启动不得作废本线程的解锁脉冲。
func (b *Broadcaster) onTurnStarted(threadID, turnID string) {
	b.mu.Lock()
	b.runSeq[threadID]++
	b.streaming[threadID] = true
	if t, ok := b.pendingUnlock[threadID]; ok {
		t.Stop()
		delete(b.pendingUnlock, threadID)
	}
	b.lastPushAt[threadID] = b.now()
	b.mu.Unlock()

	snapshot := b.buildSnapshot(threadID, turnID, "inProgress")
	b.enqueue(func() {
		b.push("thread/updated", snapshot)
		b.push("threadList/unarchive", map[string]any{"threadId": threadID})
	})
}

// onActivity 节流快照: 间隔未到则丢弃, 桌面端不需要逐事件刷新。
func (b *Broadcaster) onActivity(threadID, turnID string) {
	b.mu.Lock()
	b.streaming[threadID] = true
	last := b.lastPushAt[threadID]
	now := b.now()
	if now.Sub(last) < b.opts.Throttle {
		b.mu.Unlock()
		return
	}
	b.lastPushAt[threadID] = now
	b.mu.Unlock()

	snapshot := b.buildSnapshot(threadID, turnID, "inProgress")
	b.enqueue(func() { b.push("thread/updated", snapshot) })
}

// onTurnTerminal 最终快照 + 延迟解锁脉冲。
func (b *Broadcaster) onTurnTerminal(threadID, turnID, method string) {
	status := "completed"
	if method != "turn/completed" {
		status = "failed"
	}
	snapshot := b.buildSnapshot(threadID, turnID, status)
	b.enqueue(func() { b.push("thread/updated", snapshot) })

	b.mu.Lock()
	if t, ok := b.pendingUnlock[threadID]; ok {
		t.Stop()
	}
	seqAtSchedule := b.runSeq[threadID]
	b.streaming[threadID] = false
	b.lastPushAt[threadID] = b.now()
	b.pendingUnlock[threadID] = time.AfterFunc(b.opts.UnlockDelay, func() {
		b.fireUnlockPulse(threadID, seqAtSchedule)
	})
	b.mu.Unlock()
}

// fireUnlockPulse archive→unarchive 脉冲让桌面端解除置顶锁定并重排列表。
// 触发时重新检查: 本线程又有新 turn 启动 (运行序号前进) 或事件流
// 仍在推进时脉冲放弃。
func (b *Broadcaster) fireUnlockPulse(threadID string, seqAtSchedule int64) {
	b.mu.Lock()
	delete(b.pendingUnlock, threadID)
	stale := b.runSeq[threadID] != seqAtSchedule || b.streaming[threadID]
	b.mu.Unlock()
	if stale {
		logger.Debug("desktop-sync: unlock pulse superseded", logger.FieldThreadID, threadID)
		return
	}
	b.enqueue(func() {
		b.push("threadList/archive", map[string]any{"threadId": threadID})
		time.Sleep(b.opts.PulseGap)
		b.push("threadList/unarchive", map[string]any{"threadId": threadID})
	})
}

// ========================================
// 快照与标题缓存
// ========================================

func (b *Broadcaster) rememberTitle(threadID, title string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	b.mu.Lock()
	b.titles[threadID] = title
	b.mu.Unlock()
}

// titleFor 返回缓存的非空标题, 从未见过标题时用线程 id 顶替。
// 桌面端列表不允许出现空白行。
func (b *Broadcaster) titleFor(threadID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if title, ok := b.titles[threadID]; ok {
		return title
	}
	return threadID
}

func (b *Broadcaster) buildSnapshot(threadID, turnID, status string) map[string]any {
	return map[string]any{
		"threadId":  threadID,
		"turnId":    turnID,
		"title":     b.titleFor(threadID),
		"status":    status,
		"updatedAt": b.now().UTC().Format(time.RFC3339),
	}
}

// ========================================
// 套接字 IO (仅 worker goroutine)
// ========================================

// broadcastVersions 各 broadcast 方法携带的固定整数版本号。
var broadcastVersions = map[string]int{
	"thread/updated":       2,
	"threadList/archive":   1,
	"threadList/unarchive": 1,
}

// push 短连接推送一条 broadcast:
// connect → initialize request → 成功 response → broadcast → 冲刷等待 → close。
func (b *Broadcaster) push(method string, params any) {
	conn, err := net.DialTimeout("unix", b.opts.SocketPath, b.opts.DialTimeout)
	if err != nil {
		b.mu.Lock()
		firstMiss := !b.socketMissing
		b.socketMissing = true
		b.mu.Unlock()
		if firstMiss {
			logger.Warn("desktop-sync: socket unavailable, going idle",
				logger.FieldSocket, b.opts.SocketPath,
				logger.FieldError, err,
			)
		}
		return
	}
	defer conn.Close()

	b.mu.Lock()
	if b.socketMissing {
		b.socketMissing = false
		logger.Info("desktop-sync: socket reachable again", logger.FieldSocket, b.opts.SocketPath)
	}
	b.mu.Unlock()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := writeFrame(conn, envelope{Type: frameRequest, Method: "initialize", ClientID: b.clientID}); err != nil {
		logger.Warn("desktop-sync: initialize request failed", logger.FieldError, err)
		return
	}
	raw, err := readFrame(conn)
	if err != nil {
		logger.Warn("desktop-sync: initialize response read failed", logger.FieldError, err)
		return
	}
	resp, err := decodeEnvelope(raw)
	if err != nil {
		logger.Warn("desktop-sync: initialize response malformed", logger.FieldError, err)
		return
	}
	if resp.Type != frameResponse || resp.Error != "" {
		logger.Warn("desktop-sync: initialize rejected",
			"type", resp.Type,
			logger.FieldError, resp.Error,
		)
		return
	}
	if err := writeFrame(conn, envelope{
		Type:     frameBroadcast,
		ClientID: b.clientID,
		Method:   method,
		Version:  broadcastVersions[method],
		Params:   params,
	}); err != nil {
		logger.Warn("desktop-sync: broadcast frame failed",
			logger.FieldMethod, method,
			logger.FieldError, err,
		)
		return
	}
	// 冲刷等待: 给桌面端时间读完再断开
	time.Sleep(b.opts.FlushDelay)
}
