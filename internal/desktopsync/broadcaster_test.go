// broadcaster_test.go — 桌面端推送器测试。
package desktopsync

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeDesktop 假桌面端: 在 Unix 套接字上应答 initialize 并记录 broadcast 帧。
type fakeDesktop struct {
	t          *testing.T
	listener   net.Listener
	path       string
	rejectInit bool // true 时 initialize 回失败 response

	mu      sync.Mutex
	methods []string
	frames  []envelope
	inits   int
}

func newFakeDesktop(t *testing.T) *fakeDesktop {
	t.Helper()
	dir, err := os.MkdirTemp("", "ds")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "desktop.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	fd := &fakeDesktop{t: t, listener: l, path: path}
	go fd.acceptLoop()
	return fd
}

func (fd *fakeDesktop) acceptLoop() {
	for {
		conn, err := fd.listener.Accept()
		if err != nil {
			return
		}
		go fd.serveConn(conn)
	}
}

func (fd *fakeDesktop) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		raw, err := readFrame(conn)
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Type {
		case frameRequest:
			fd.mu.Lock()
			if env.Method == "initialize" {
				fd.inits++
			}
			reject := fd.rejectInit
			fd.mu.Unlock()
			resp := envelope{Type: frameResponse, Method: env.Method}
			if reject {
				resp.Error = "not ready"
			}
			if err := writeFrame(conn, resp); err != nil {
				return
			}
		case frameBroadcast:
			fd.mu.Lock()
			fd.methods = append(fd.methods, env.Method)
			fd.frames = append(fd.frames, env)
			fd.mu.Unlock()
		}
	}
}

func (fd *fakeDesktop) broadcasts() []envelope {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]envelope(nil), fd.frames...)
}

func (fd *fakeDesktop) snapshot() (methods []string, inits int) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]string(nil), fd.methods...), fd.inits
}

func (fd *fakeDesktop) waitForMethods(min int, timeout time.Duration) []string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		methods, _ := fd.snapshot()
		if len(methods) >= min {
			return methods
		}
		time.Sleep(10 * time.Millisecond)
	}
	methods, _ := fd.snapshot()
	return methods
}

func newTestBroadcaster(path string) *Broadcaster {
	return NewBroadcaster(Options{
		SocketPath:  path,
		Throttle:    50 * time.Millisecond,
		UnlockDelay: 60 * time.Millisecond,
		PulseGap:    10 * time.Millisecond,
		FlushDelay:  5 * time.Millisecond,
		DialTimeout: time.Second,
	})
}

func TestBroadcaster_TurnStartedPushesSnapshotAndUnarchive(t *testing.T) {
	fd := newFakeDesktop(t)
	b := newTestBroadcaster(fd.path)
	defer b.Close()

	b.HandleEvent("turn/started", map[string]any{"threadId": "t-1", "turnId": "turn-7", "title": "demo"})

	methods := fd.waitForMethods(2, 2*time.Second)
	if len(methods) < 2 {
		t.Fatalf("got %d broadcasts, want >= 2: %v", len(methods), methods)
	}
	if methods[0] != "thread/updated" || methods[1] != "threadList/unarchive" {
		t.Errorf("methods = %v, want [thread/updated threadList/unarchive ...]", methods)
	}
	_, inits := fd.snapshot()
	if inits < 2 {
		t.Errorf("inits = %d, want one initialize per connection", inits)
	}
}

func TestBroadcaster_TerminalSchedulesUnlockPulse(t *testing.T) {
	fd := newFakeDesktop(t)
	b := newTestBroadcaster(fd.path)
	defer b.Close()

	b.HandleEvent("turn/completed", map[string]any{"threadId": "t-1", "turnId": "turn-7"})

	// 期望: 最终快照, 然后延迟的 archive → unarchive 脉冲
	methods := fd.waitForMethods(3, 2*time.Second)
	if len(methods) < 3 {
		t.Fatalf("got %d broadcasts, want >= 3: %v", len(methods), methods)
	}
	if methods[0] != "thread/updated" {
		t.Errorf("first = %q, want thread/updated", methods[0])
	}
	if methods[1] != "threadList/archive" || methods[2] != "threadList/unarchive" {
		t.Errorf("pulse = %v, want [threadList/archive threadList/unarchive]", methods[1:3])
	}
}

func TestBroadcaster_NewTurnCancelsPendingUnlock(t *testing.T) {
	fd := newFakeDesktop(t)
	b := newTestBroadcaster(fd.path)
	defer b.Close()

	b.HandleEvent("turn/completed", map[string]any{"threadId": "t-1"})
	// 在解锁脉冲触发前启动新 turn
	b.HandleEvent("turn/started", map[string]any{"threadId": "t-1", "turnId": "turn-8"})

	// 等足脉冲窗口
	time.Sleep(200 * time.Millisecond)
	methods, _ := fd.snapshot()
	for _, m := range methods {
		if m == "threadList/archive" {
			t.Fatalf("archive pulse fired despite new turn: %v", methods)
		}
	}
}

func TestBroadcaster_OtherThreadStartKeepsUnlockPulse(t *testing.T) {
	fd := newFakeDesktop(t)
	b := newTestBroadcaster(fd.path)
	defer b.Close()

	b.HandleEvent("turn/completed", map[string]any{"threadId": "t-A", "turnId": "turn-1"})
	// 另一个线程的新 turn 不得作废 t-A 的解锁脉冲
	b.HandleEvent("turn/started", map[string]any{"threadId": "t-B", "turnId": "turn-2"})

	time.Sleep(300 * time.Millisecond)
	archived := false
	for _, env := range fd.broadcasts() {
		if env.Method != "threadList/archive" {
			continue
		}
		if params, ok := env.Params.(map[string]any); ok && params["threadId"] == "t-A" {
			archived = true
		}
	}
	if !archived {
		t.Fatalf("unlock pulse for t-A missing, broadcasts: %v", fd.waitForMethods(0, 0))
	}
}

func TestBroadcaster_StreamingAtFireTimeSkipsUnlock(t *testing.T) {
	fd := newFakeDesktop(t)
	b := newTestBroadcaster(fd.path)
	defer b.Close()

	b.HandleEvent("turn/completed", map[string]any{"threadId": "t-1", "turnId": "turn-1"})
	// 终结后事件流仍在推进, 触发时必须放弃脉冲
	b.HandleEvent("item/completed", map[string]any{"threadId": "t-1"})

	time.Sleep(300 * time.Millisecond)
	for _, m := range fd.waitForMethods(0, 0) {
		if m == "threadList/archive" {
			t.Fatal("archive pulse fired while thread still streaming")
		}
	}
}

func TestBroadcaster_BroadcastFramesCarryClientIDAndVersion(t *testing.T) {
	fd := newFakeDesktop(t)
	b := newTestBroadcaster(fd.path)
	defer b.Close()

	b.HandleEvent("turn/started", map[string]any{"threadId": "t-1", "turnId": "turn-7"})

	fd.waitForMethods(2, 2*time.Second)
	frames := fd.broadcasts()
	if len(frames) < 2 {
		t.Fatalf("got %d broadcast frames, want >= 2", len(frames))
	}
	for _, env := range frames {
		if env.ClientID != b.clientID {
			t.Errorf("frame %q clientId = %q, want %q", env.Method, env.ClientID, b.clientID)
		}
		if want := broadcastVersions[env.Method]; env.Version != want {
			t.Errorf("frame %q version = %d, want %d", env.Method, env.Version, want)
		}
	}
}

func TestBroadcaster_InitializeRejectedSkipsBroadcast(t *testing.T) {
	fd := newFakeDesktop(t)
	fd.rejectInit = true
	b := newTestBroadcaster(fd.path)
	defer b.Close()

	b.HandleEvent("turn/started", map[string]any{"threadId": "t-1"})

	time.Sleep(200 * time.Millisecond)
	methods, inits := fd.snapshot()
	if inits == 0 {
		t.Fatal("initialize request never arrived")
	}
	if len(methods) != 0 {
		t.Errorf("broadcasts sent despite rejected initialize: %v", methods)
	}
}

func TestBroadcaster_ThrottleDropsRapidActivity(t *testing.T) {
	fd := newFakeDesktop(t)
	b := newTestBroadcaster(fd.path)
	defer b.Close()

	base := time.Now()
	current := base
	b.now = func() time.Time { return current }

	b.HandleEvent("item/completed", map[string]any{"threadId": "t-1"})
	// 节流窗口内的第二条应被丢弃
	current = base.Add(10 * time.Millisecond)
	b.HandleEvent("item/completed", map[string]any{"threadId": "t-1"})
	// 窗口外的第三条应放行
	current = base.Add(200 * time.Millisecond)
	b.HandleEvent("item/completed", map[string]any{"threadId": "t-1"})

	methods := fd.waitForMethods(2, 2*time.Second)
	count := 0
	for _, m := range methods {
		if m == "thread/updated" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("thread/updated count = %d, want 2 (throttled): %v", count, methods)
	}
}

func TestBroadcaster_TitleCacheNeverBlank(t *testing.T) {
	b := NewBroadcaster(Options{SocketPath: "/nonexistent/desktop.sock"})
	defer b.Close()

	if got := b.titleFor("t-1"); got != "t-1" {
		t.Errorf("titleFor unknown = %q, want thread id fallback", got)
	}

	b.rememberTitle("t-1", "my thread")
	b.rememberTitle("t-1", "   ") // 空白不得覆盖
	if got := b.titleFor("t-1"); got != "my thread" {
		t.Errorf("titleFor = %q, want cached title", got)
	}
}

func TestBroadcaster_MissingSocketGoesIdle(t *testing.T) {
	b := newTestBroadcaster("/nonexistent/desktop.sock")
	defer b.Close()

	b.HandleEvent("turn/started", map[string]any{"threadId": "t-1"})
	b.HandleEvent("turn/completed", map[string]any{"threadId": "t-1"})
	time.Sleep(100 * time.Millisecond)

	b.mu.Lock()
	missing := b.socketMissing
	b.mu.Unlock()
	if !missing {
		t.Error("socketMissing = false, want true after failed dials")
	}
}

func TestBroadcaster_DisabledWithoutSocketPath(t *testing.T) {
	b := NewBroadcaster(Options{})
	defer b.Close()
	if b.Enabled() {
		t.Error("Enabled() = true for empty socket path")
	}
	// 不配置套接字时事件直接丢弃, 不应有任何副作用
	b.HandleEvent("turn/started", map[string]any{"threadId": "t-1"})
}

func TestParseEventScope(t *testing.T) {
	tests := []struct {
		name       string
		params     any
		wantThread string
		wantTurn   string
		wantTitle  string
	}{
		{"flat_fields", map[string]any{"threadId": "t-1", "turnId": "7", "title": "x"}, "t-1", "7", "x"},
		{"nested_thread", map[string]any{"thread": map[string]any{"id": "t-2", "title": "y"}}, "t-2", "", "y"},
		{"nested_turn", map[string]any{"threadId": "t-3", "turn": map[string]any{"id": "turn-9"}}, "t-3", "turn-9", ""},
		{"empty", map[string]any{}, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threadID, turnID, title := parseEventScope(tt.params)
			if threadID != tt.wantThread || turnID != tt.wantTurn || title != tt.wantTitle {
				t.Errorf("parseEventScope = (%q, %q, %q), want (%q, %q, %q)",
					threadID, turnID, title, tt.wantThread, tt.wantTurn, tt.wantTitle)
			}
		})
	}
}
