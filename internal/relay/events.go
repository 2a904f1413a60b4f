// events.go — 线程事件环形缓冲与断线补发。
//
// 每个线程维护一段最近事件窗口 (条数 + 时长双上限),
// 客户端重连时带上最后见过的 seq:
//   - 窗口内 → 严格补发 lastSeen 之后的事件
//   - 窗口外 (事件已被淘汰) → 补发恰好一份全量快照, 以最新 seq 为基线
//   - 不带 seq → 仅同步最新 seq, 不补发历史
package relay

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// EventRecord 缓冲中的单条事件。
type EventRecord struct {
	Seq    int64           `json:"seq"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	At     time.Time       `json:"at"`
}

// 补发模式。
const (
	ReplayModeSync     = "sync"     // 无 lastSeen: 仅返回最新 seq
	ReplayModeReplay   = "replay"   // 窗口内: 逐条补发
	ReplayModeSnapshot = "snapshot" // 窗口外: 一份全量快照
)

// SubscribeResult 订阅/补发结果。
type SubscribeResult struct {
	Mode      string        `json:"mode"`
	LatestSeq int64         `json:"latestSeq"`
	Events    []EventRecord `json:"events,omitempty"`
	Snapshot  any           `json:"snapshot,omitempty"`
}

// threadBuffer 单线程事件窗口。seq 从 1 开始单调递增, 不随淘汰回退。
type threadBuffer struct {
	records []EventRecord
	nextSeq int64
}

func (b *threadBuffer) latestSeq() int64 {
	return b.nextSeq - 1
}

// EventHub 线程事件缓冲中心。
type EventHub struct {
	mu      sync.Mutex
	threads map[string]*threadBuffer

	capacity int
	maxAge   time.Duration

	now func() time.Time // 测试注入
}

// NewEventHub 创建事件中心。
func NewEventHub(capacity int, maxAge time.Duration) *EventHub {
	if capacity <= 0 {
		capacity = 600
	}
	if maxAge <= 0 {
		maxAge = 20 * time.Minute
	}
	return &EventHub{
		threads:  make(map[string]*threadBuffer),
		capacity: capacity,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Publish 追加事件, 返回分配的 seq。
func (h *EventHub) Publish(threadID, method string, params json.RawMessage) int64 {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return 0
	}
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.threads[threadID]
	if !ok {
		buf = &threadBuffer{nextSeq: 1}
		h.threads[threadID] = buf
	}
	seq := buf.nextSeq
	buf.nextSeq++
	buf.records = append(buf.records, EventRecord{
		Seq:    seq,
		Method: method,
		Params: params,
		At:     now,
	})
	h.evictLocked(buf, now)
	return seq
}

// evictLocked 按条数与时长双上限淘汰旧事件。
func (h *EventHub) evictLocked(buf *threadBuffer, now time.Time) {
	cut := 0
	for cut < len(buf.records) {
		if len(buf.records)-cut > h.capacity {
			cut++
			continue
		}
		if now.Sub(buf.records[cut].At) > h.maxAge {
			cut++
			continue
		}
		break
	}
	if cut > 0 {
		buf.records = append([]EventRecord(nil), buf.records[cut:]...)
	}
}

// LatestSeq 返回线程当前最新 seq, 无事件为 0。
func (h *EventHub) LatestSeq(threadID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.threads[strings.TrimSpace(threadID)]
	if !ok {
		return 0
	}
	return buf.latestSeq()
}

// Subscribe 计算补发内容。
//
// hasLastSeen=false 时仅同步基线 (客户端从当前位置开始收流);
// snapshotFn 仅在判定需要全量快照时才被调用。
func (h *EventHub) Subscribe(threadID string, lastSeen int64, hasLastSeen bool, snapshotFn func() any) SubscribeResult {
	threadID = strings.TrimSpace(threadID)
	now := h.now()

	h.mu.Lock()
	buf, ok := h.threads[threadID]
	if !ok {
		h.mu.Unlock()
		if hasLastSeen && lastSeen > 0 {
			// 缓冲不存在但客户端声称见过事件 (如 relay 重启), 必须全量对齐
			return snapshotResult(0, snapshotFn)
		}
		return SubscribeResult{Mode: ReplayModeSync, LatestSeq: 0}
	}
	h.evictLocked(buf, now)
	latest := buf.latestSeq()

	if !hasLastSeen {
		h.mu.Unlock()
		return SubscribeResult{Mode: ReplayModeSync, LatestSeq: latest}
	}

	if lastSeen > latest {
		// 客户端比服务端还新: seq 空间已重置, 全量对齐
		h.mu.Unlock()
		return snapshotResult(latest, snapshotFn)
	}

	oldest := int64(0)
	if len(buf.records) > 0 {
		oldest = buf.records[0].Seq
	}
	if lastSeen+1 < oldest || (len(buf.records) == 0 && lastSeen < latest) {
		// 缺口: lastSeen 之后有事件已被淘汰
		h.mu.Unlock()
		return snapshotResult(latest, snapshotFn)
	}

	var events []EventRecord
	for _, rec := range buf.records {
		if rec.Seq > lastSeen {
			events = append(events, rec)
		}
	}
	h.mu.Unlock()
	return SubscribeResult{Mode: ReplayModeReplay, LatestSeq: latest, Events: events}
}

func snapshotResult(latest int64, snapshotFn func() any) SubscribeResult {
	res := SubscribeResult{Mode: ReplayModeSnapshot, LatestSeq: latest}
	if snapshotFn != nil {
		res.Snapshot = snapshotFn()
	}
	return res
}

// Depths 返回各线程缓冲的当前深度 (诊断视图)。
func (h *EventHub) Depths() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.threads))
	for id, buf := range h.threads {
		out[id] = len(buf.records)
	}
	return out
}

// Forget 丢弃线程缓冲 (线程归档后调用)。
func (h *EventHub) Forget(threadID string) {
	h.mu.Lock()
	delete(h.threads, strings.TrimSpace(threadID))
	h.mu.Unlock()
}
