// events_test.go — 事件环形缓冲与断线补发测试。
package relay

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func publishN(h *EventHub, threadID string, n int) {
	for i := 0; i < n; i++ {
		h.Publish(threadID, fmt.Sprintf("event/%d", i), json.RawMessage(`{}`))
	}
}

func TestEventHubSeqStartsAtOne(t *testing.T) {
	h := NewEventHub(10, time.Minute)
	if seq := h.Publish("t1", "turn/started", nil); seq != 1 {
		t.Fatalf("first seq = %d, want 1", seq)
	}
	if seq := h.Publish("t1", "item/delta", nil); seq != 2 {
		t.Fatalf("second seq = %d, want 2", seq)
	}
	if latest := h.LatestSeq("t1"); latest != 2 {
		t.Fatalf("LatestSeq = %d, want 2", latest)
	}
}

func TestEventHubSyncWithoutLastSeen(t *testing.T) {
	h := NewEventHub(10, time.Minute)
	publishN(h, "t1", 3)

	res := h.Subscribe("t1", 0, false, nil)
	if res.Mode != ReplayModeSync {
		t.Fatalf("mode = %q, want sync", res.Mode)
	}
	if res.LatestSeq != 3 || len(res.Events) != 0 {
		t.Fatalf("result = %+v, want latest 3 and no events", res)
	}
}

func TestEventHubReplayStrictlyAfterLastSeen(t *testing.T) {
	h := NewEventHub(10, time.Minute)
	publishN(h, "t1", 5)

	res := h.Subscribe("t1", 2, true, nil)
	if res.Mode != ReplayModeReplay {
		t.Fatalf("mode = %q, want replay", res.Mode)
	}
	if len(res.Events) != 3 {
		t.Fatalf("replayed %d events, want 3", len(res.Events))
	}
	for i, rec := range res.Events {
		if want := int64(3 + i); rec.Seq != want {
			t.Errorf("event[%d].Seq = %d, want %d", i, rec.Seq, want)
		}
	}
}

func TestEventHubReplayUpToDateClient(t *testing.T) {
	h := NewEventHub(10, time.Minute)
	publishN(h, "t1", 4)

	res := h.Subscribe("t1", 4, true, nil)
	if res.Mode != ReplayModeReplay || len(res.Events) != 0 {
		t.Fatalf("result = %+v, want empty replay", res)
	}
}

func TestEventHubGapYieldsSingleSnapshot(t *testing.T) {
	h := NewEventHub(5, time.Minute)
	publishN(h, "t1", 10) // seq 1..10, 窗口只剩 6..10

	calls := 0
	res := h.Subscribe("t1", 2, true, func() any {
		calls++
		return map[string]any{"full": true}
	})
	if res.Mode != ReplayModeSnapshot {
		t.Fatalf("mode = %q, want snapshot", res.Mode)
	}
	if calls != 1 {
		t.Fatalf("snapshotFn called %d times, want exactly 1", calls)
	}
	if res.LatestSeq != 10 {
		t.Fatalf("LatestSeq = %d, want 10 as new baseline", res.LatestSeq)
	}
	if len(res.Events) != 0 {
		t.Fatalf("snapshot result carried %d events, want none", len(res.Events))
	}
}

func TestEventHubBoundaryNoGap(t *testing.T) {
	h := NewEventHub(5, time.Minute)
	publishN(h, "t1", 10) // 窗口 6..10

	// lastSeen=5: 恰好在窗口边界上, 6 起全部可补发
	res := h.Subscribe("t1", 5, true, nil)
	if res.Mode != ReplayModeReplay || len(res.Events) != 5 {
		t.Fatalf("result = %+v, want replay of 5 events", res)
	}
	if res.Events[0].Seq != 6 {
		t.Fatalf("first replayed seq = %d, want 6", res.Events[0].Seq)
	}
}

func TestEventHubClientAheadOfServer(t *testing.T) {
	h := NewEventHub(10, time.Minute)
	publishN(h, "t1", 3)

	// 客户端声称见过 seq 9 (relay 重启后 seq 空间重置) → 全量对齐
	res := h.Subscribe("t1", 9, true, func() any { return "snap" })
	if res.Mode != ReplayModeSnapshot || res.Snapshot != "snap" {
		t.Fatalf("result = %+v, want snapshot", res)
	}
}

func TestEventHubUnknownThreadWithLastSeen(t *testing.T) {
	h := NewEventHub(10, time.Minute)
	res := h.Subscribe("never-seen", 4, true, func() any { return "snap" })
	if res.Mode != ReplayModeSnapshot {
		t.Fatalf("mode = %q, want snapshot for unknown buffer", res.Mode)
	}
}

func TestEventHubEvictionByAge(t *testing.T) {
	h := NewEventHub(100, time.Minute)
	base := time.Now()
	h.now = func() time.Time { return base }
	publishN(h, "t1", 3) // seq 1..3

	h.now = func() time.Time { return base.Add(2 * time.Minute) }
	h.Publish("t1", "late", nil) // seq 4, 同时淘汰 1..3

	res := h.Subscribe("t1", 1, true, func() any { return "snap" })
	if res.Mode != ReplayModeSnapshot {
		t.Fatalf("mode = %q, want snapshot after age eviction", res.Mode)
	}
	if res.LatestSeq != 4 {
		t.Fatalf("LatestSeq = %d, want 4", res.LatestSeq)
	}
}

func TestEventHubForget(t *testing.T) {
	h := NewEventHub(10, time.Minute)
	publishN(h, "t1", 3)
	h.Forget("t1")
	if latest := h.LatestSeq("t1"); latest != 0 {
		t.Fatalf("LatestSeq after Forget = %d, want 0", latest)
	}
	// 新缓冲 seq 从 1 重新开始
	if seq := h.Publish("t1", "fresh", nil); seq != 1 {
		t.Fatalf("seq after Forget = %d, want 1", seq)
	}
}
