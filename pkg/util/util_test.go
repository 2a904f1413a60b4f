// util_test.go — EscapeLike / ClampInt / SafeGo 表驱动测试。
package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"percent", "100%", `100\%`},
		{"underscore", "a_b", `a\_b`},
		{"backslash", `a\b`, `a\\b`},
		{"combined", `%_\`, `\%\_\\`},
		{"no_special", "hello", "hello"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EscapeLike(tt.in)
			if got != tt.want {
				t.Errorf("EscapeLike(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		name      string
		v, lo, hi int
		want      int
	}{
		{"below_min", -1, 0, 10, 0},
		{"above_max", 20, 0, 10, 10},
		{"in_range", 5, 0, 10, 5},
		{"at_min", 0, 0, 10, 0},
		{"at_max", 10, 0, 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampInt(tt.v, tt.lo, tt.hi)
			if got != tt.want {
				t.Errorf("ClampInt(%d, %d, %d) = %d, want %d", tt.v, tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"first", []string{"a", "b"}, "a"},
		{"skip_empty", []string{"", "b"}, "b"},
		{"skip_whitespace", []string{"  ", "c"}, "c"},
		{"trims_result", []string{" d "}, "d"},
		{"all_empty", []string{"", "  "}, ""},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FirstNonEmpty(tt.in...)
			if got != tt.want {
				t.Errorf("FirstNonEmpty(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSafeGo_NormalExecution(t *testing.T) {
	var done atomic.Bool
	SafeGo(func() {
		done.Store(true)
	})
	time.Sleep(50 * time.Millisecond)
	if !done.Load() {
		t.Error("SafeGo: function was not executed")
	}
}

func TestSafeGo_PanicDoesNotPropagate(t *testing.T) {
	// SafeGo 应捕获 panic，不扩散到调用方
	var wg sync.WaitGroup
	wg.Add(1)

	SafeGo(func() {
		defer wg.Done()
		panic("test panic")
	})

	wg.Wait()
}

func TestToMapAny(t *testing.T) {
	m := map[string]any{"k": "v"}
	if got := ToMapAny(m); got["k"] != "v" {
		t.Errorf("ToMapAny passthrough: got %v", got)
	}

	type payload struct {
		ThreadID string `json:"thread_id"`
	}
	got := ToMapAny(payload{ThreadID: "t-1"})
	if got["thread_id"] != "t-1" {
		t.Errorf("ToMapAny struct: got %v", got)
	}

	if got := ToMapAny(make(chan int)); len(got) != 0 {
		t.Errorf("ToMapAny unmarshalable: want empty map, got %v", got)
	}
}

func TestLoadFromEnv(t *testing.T) {
	type cfg struct {
		Addr    string  `env:"UTIL_TEST_ADDR" default:"127.0.0.1:8080"`
		Workers int     `env:"UTIL_TEST_WORKERS" default:"4" min:"1"`
		Ratio   float64 `env:"UTIL_TEST_RATIO" default:"0.5" min:"0"`
		Debug   bool    `env:"UTIL_TEST_DEBUG" default:"false"`
	}

	t.Setenv("UTIL_TEST_WORKERS", "0")
	t.Setenv("UTIL_TEST_DEBUG", "yes")

	var c cfg
	LoadFromEnv(&c)

	if c.Addr != "127.0.0.1:8080" {
		t.Errorf("Addr = %q, want default", c.Addr)
	}
	if c.Workers != 1 {
		t.Errorf("Workers = %d, want clamped min 1", c.Workers)
	}
	if c.Ratio != 0.5 {
		t.Errorf("Ratio = %v, want 0.5", c.Ratio)
	}
	if !c.Debug {
		t.Error("Debug = false, want true")
	}
}
