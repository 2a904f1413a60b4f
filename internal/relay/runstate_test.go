// runstate_test.go — turn 别名归一化与本地 run 登记测试。
package relay

import (
	"testing"
	"time"

	"github.com/multi-agent/codex-relay/internal/rollout"
)

func TestNormalizeTurnAlias(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare digits", "7", "7"},
		{"prefixed digits", "turn-7", "7"},
		{"multi digit", "turn-42", "42"},
		{"whitespace trimmed", "  turn-3 ", "3"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
		{"non numeric preserved", "abc-123x", "abc-123x"},
		{"prefix without digits", "turn-", "turn-"},
		{"uuid style preserved", "0199a213-81ba", "0199a213-81ba"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeTurnAlias(tc.in); got != tc.want {
				t.Errorf("NormalizeTurnAlias(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestTurnAliasForms(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"numeric gets both forms", "7", []string{"7", "turn-7"}},
		{"prefixed collapses then expands", "turn-7", []string{"7", "turn-7"}},
		{"non numeric single form", "abc", []string{"abc"}},
		{"empty nil", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TurnAliasForms(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("TurnAliasForms(%q) = %v, want %v", tc.in, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("TurnAliasForms(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestSameTurnAlias(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"7", "turn-7", true},
		{"turn-7", "7", true},
		{"7", "7", true},
		{"7", "8", false},
		{"abc", "abc", true},
		{"", "", false},
		{"", "7", false},
	}
	for _, tc := range cases {
		if got := SameTurnAlias(tc.a, tc.b); got != tc.want {
			t.Errorf("SameTurnAlias(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRunControlLifecycle(t *testing.T) {
	rc := NewRunControl(5*time.Minute, 2*time.Minute)

	if snap := rc.Snapshot("t1"); snap.Active {
		t.Fatal("expected inactive before registration")
	}

	rc.MarkIntent("t1")
	snap := rc.Snapshot("t1")
	if !snap.Active || snap.TurnID != "" {
		t.Fatalf("intent snapshot = %+v, want active with empty turn id", snap)
	}

	rc.MarkTurnStarted("t1", "turn-7")
	snap = rc.Snapshot("t1")
	if !snap.Active || snap.TurnID != "7" {
		t.Fatalf("started snapshot = %+v, want active turn 7", snap)
	}

	rc.MarkTurnCompleted("t1", "7")
	if snap := rc.Snapshot("t1"); snap.Active {
		t.Fatal("expected inactive after completion")
	}
}

func TestRunControlCompletionAliasMatch(t *testing.T) {
	rc := NewRunControl(5*time.Minute, 2*time.Minute)
	rc.MarkTurnStarted("t1", "7")

	// 迟到的旧 turn 完结信号不应误杀当前 turn
	rc.MarkTurnCompleted("t1", "6")
	if snap := rc.Snapshot("t1"); !snap.Active {
		t.Fatal("mismatched completion should be ignored")
	}

	// 前缀形态与裸数字指同一 turn
	rc.MarkTurnCompleted("t1", "turn-7")
	if snap := rc.Snapshot("t1"); snap.Active {
		t.Fatal("alias-equivalent completion should apply")
	}
}

func TestRunControlUnconditionalCompletion(t *testing.T) {
	rc := NewRunControl(5*time.Minute, 2*time.Minute)
	rc.MarkTurnStarted("t1", "7")
	rc.MarkTurnCompleted("t1", "")
	if snap := rc.Snapshot("t1"); snap.Active {
		t.Fatal("empty turn id should complete unconditionally")
	}
}

func TestRunControlActiveThreads(t *testing.T) {
	rc := NewRunControl(5*time.Minute, 2*time.Minute)
	rc.MarkIntent("t1")
	rc.MarkTurnStarted("t2", "3")
	threads := rc.ActiveThreads()
	if len(threads) != 2 {
		t.Fatalf("ActiveThreads = %v, want 2 entries", threads)
	}
}

func TestRunControlReconcilePrunesStale(t *testing.T) {
	rc := NewRunControl(5*time.Minute, 2*time.Minute)
	base := time.Now()
	rc.now = func() time.Time { return base }
	rc.MarkTurnStarted("t1", "7")

	// 静默超过 prune 阈值: 无条件剔除
	rc.now = func() time.Time { return base.Add(6 * time.Minute) }
	completed := rc.Reconcile(nil, nil)
	if len(completed) != 1 || completed[0] != "t1" {
		t.Fatalf("Reconcile = %v, want [t1]", completed)
	}
	if snap := rc.Snapshot("t1"); snap.Active {
		t.Fatal("pruned entry should be gone")
	}
}

func TestRunControlReconcileIdleGrace(t *testing.T) {
	rc := NewRunControl(10*time.Minute, 2*time.Minute)
	base := time.Now()
	rc.now = func() time.Time { return base }
	rc.MarkTurnStarted("t1", "7")

	// 对账器对该线程一无所知 (空 sessions 目录) → 不活跃
	rec := rollout.NewReconciler(rollout.NewIndex(t.TempDir(), time.Minute), rollout.Options{})

	// grace 之内不动
	rc.now = func() time.Time { return base.Add(time.Minute) }
	if completed := rc.Reconcile(rec, nil); len(completed) != 0 {
		t.Fatalf("Reconcile before grace = %v, want none", completed)
	}

	// grace 之外且对账器判定不活跃 → 强制完结
	rc.now = func() time.Time { return base.Add(3 * time.Minute) }
	completed := rc.Reconcile(rec, nil)
	if len(completed) != 1 || completed[0] != "t1" {
		t.Fatalf("Reconcile past grace = %v, want [t1]", completed)
	}
}

func TestRunControlIntentWindowExpires(t *testing.T) {
	rc := NewRunControl(5*time.Minute, 2*time.Minute)
	base := time.Now()
	rc.now = func() time.Time { return base }
	rc.MarkIntent("t1")

	if snap := rc.Snapshot("t1"); !snap.Active {
		t.Fatal("intent inside window should report active")
	}

	// intent 窗口到期且始终没等来 turn 启动确认 → 回落不活跃
	rc.now = func() time.Time { return base.Add(time.Minute) }
	if snap := rc.Snapshot("t1"); snap.Active {
		t.Fatal("expired intent without turn start should report inactive")
	}

	// 启动确认清除窗口, 之后不受窗口到期影响
	rc.MarkTurnStarted("t1", "7")
	rc.now = func() time.Time { return base.Add(time.Hour) }
	if snap := rc.Snapshot("t1"); !snap.Active || snap.TurnID != "7" {
		t.Fatalf("snapshot = %+v, want active turn 7", snap)
	}
}

func TestRunControlReconcileEngineSnapshotTerminal(t *testing.T) {
	rc := NewRunControl(5*time.Minute, 2*time.Minute)
	rc.MarkTurnStarted("t1", "7")

	// 现场快照: 无运行中 turn 且最后一个 turn 已终止 → 强制完结
	readSnapshot := func(threadID string) (ThreadSnapshot, bool) {
		if threadID != "t1" {
			t.Fatalf("unexpected snapshot read for %q", threadID)
		}
		return ThreadSnapshot{LastTurnID: "7", LastTurnTerminal: true}, true
	}
	completed := rc.Reconcile(nil, readSnapshot)
	if len(completed) != 1 || completed[0] != "t1" {
		t.Fatalf("Reconcile = %v, want [t1]", completed)
	}
	if snap := rc.Snapshot("t1"); snap.Active {
		t.Fatal("entry should be force-completed by engine snapshot")
	}
}

func TestRunControlReconcileEngineSnapshotRunningWins(t *testing.T) {
	rc := NewRunControl(10*time.Minute, 2*time.Minute)
	base := time.Now()
	rc.now = func() time.Time { return base }
	rc.MarkTurnStarted("t1", "7")

	// 对账器判定不活跃, 但现场快照说 turn 还在跑 → 放过
	rec := rollout.NewReconciler(rollout.NewIndex(t.TempDir(), time.Minute), rollout.Options{})
	readSnapshot := func(string) (ThreadSnapshot, bool) {
		return ThreadSnapshot{RunningTurnIDs: []string{"7"}, LastTurnID: "7"}, true
	}
	rc.now = func() time.Time { return base.Add(3 * time.Minute) }
	if completed := rc.Reconcile(rec, readSnapshot); len(completed) != 0 {
		t.Fatalf("Reconcile = %v, want none while engine reports a running turn", completed)
	}
	if snap := rc.Snapshot("t1"); !snap.Active {
		t.Fatal("entry should survive while engine snapshot shows a running turn")
	}
}
