// server_conn_test.go — 协议解析与连接辅助函数测试。
package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseIntID(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		want   int64
		wantOK bool
	}{
		{"positive", "42", 42, true},
		{"zero", "0", 0, true},
		{"negative", "-7", -7, true},
		{"large", "9007199254740993", 9007199254740993, true},
		{"null", "null", 0, false},
		{"empty", "", 0, false},
		{"string id", `"abc"`, 0, false},
		{"float", "1.5", 0, false},
		{"object", `{"a":1}`, 0, false},
		{"bare minus", "-", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseIntID(json.RawMessage(tc.raw))
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("parseIntID(%q) = (%d, %v), want (%d, %v)", tc.raw, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestRawIDtoAny(t *testing.T) {
	if got := rawIDtoAny(json.RawMessage(`17`)); got != int64(17) {
		t.Errorf("numeric id = %v (%T), want int64 17", got, got)
	}
	if got := rawIDtoAny(json.RawMessage(`"req-1"`)); got != "req-1" {
		t.Errorf("string id = %v, want req-1", got)
	}
	if got := rawIDtoAny(json.RawMessage(`null`)); got != nil {
		t.Errorf("null id = %v, want nil", got)
	}
	if got := rawIDtoAny(nil); got != nil {
		t.Errorf("missing id = %v, want nil", got)
	}
}

func TestCheckLocalOrigin(t *testing.T) {
	cases := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin header", "", true},
		{"localhost http", "http://localhost:3000", true},
		{"localhost https", "https://localhost", true},
		{"loopback v4", "http://127.0.0.1:8080", true},
		{"loopback v6", "http://[::1]:9000", true},
		{"uppercase normalized", "HTTP://LOCALHOST:3000", true},
		{"remote host", "http://evil.example.com", false},
		{"spoofed prefix host", "http://localhost.evil.com", true}, // 前缀匹配的已知限制, 仅本机监听兜底
		{"file scheme", "file://", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := checkLocalOrigin(r); got != tc.want {
				t.Errorf("checkLocalOrigin(origin=%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestExtractThreadID(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"flat", `{"threadId":"t1"}`, "t1"},
		{"nested", `{"thread":{"id":"t2"}}`, "t2"},
		{"flat wins", `{"threadId":"t1","thread":{"id":"t2"}}`, "t1"},
		{"missing", `{}`, ""},
		{"empty payload", ``, ""},
		{"malformed", `{`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractThreadID(json.RawMessage(tc.raw)); got != tc.want {
				t.Errorf("extractThreadID(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestExtractTurnID(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"nested turn", `{"turn":{"id":"turn-9"}}`, "turn-9"},
		{"flat turnId", `{"turnId":"9"}`, "9"},
		{"nested wins", `{"turn":{"id":"a"},"turnId":"b"}`, "a"},
		{"missing", `{}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractTurnID(json.RawMessage(tc.raw)); got != tc.want {
				t.Errorf("extractTurnID(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestNormalizeTurnEventMethod(t *testing.T) {
	cases := []struct{ in, want string }{
		{"turn.started", "turn/started"},
		{"turn/completed", "turn/completed"},
		{"item.delta", "item/delta"},
	}
	for _, tc := range cases {
		if got := normalizeTurnEventMethod(tc.in); got != tc.want {
			t.Errorf("normalizeTurnEventMethod(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
