// client_test.go — stdio JSON-RPC 解析与调用跟踪测试。
package codex

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
)

func newTestClient() *Client {
	return NewClient(Options{
		Command:          "codex",
		RPCTimeout:       time.Second,
		TurnTimeout:      10 * time.Second,
		HandshakeTimeout: time.Second,
	})
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"single", "{\"a\":1}\n", []string{`{"a":1}`}},
		{"multiple", "one\ntwo\n", []string{"one", "two"}},
		{"no_trailing_newline", "tail", []string{"tail"}},
		{"empty_line_preserved", "\nx\n", []string{"", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReaderSize(strings.NewReader(tt.in), 4)
			var got []string
			for {
				line, err := readLine(r)
				if err != nil {
					if !errors.Is(err, io.EOF) {
						t.Fatalf("readLine error: %v", err)
					}
					break
				}
				got = append(got, string(line))
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d lines %v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReadLine_LongLineSpansBuffer(t *testing.T) {
	payload := strings.Repeat("x", 1000)
	r := bufio.NewReaderSize(strings.NewReader(payload+"\n"), 16)
	line, err := readLine(r)
	if err != nil {
		t.Fatalf("readLine error: %v", err)
	}
	if string(line) != payload {
		t.Fatalf("long line corrupted: got %d bytes, want %d", len(line), len(payload))
	}
}

func TestHandleRPCResponse_ResolvesPendingCall(t *testing.T) {
	c := newTestClient()
	pc := &pendingCall{done: make(chan struct{})}
	c.pending.Store(int64(7), pc)

	id := int64(7)
	handled := c.handleRPCResponse(jsonRPCMessage{
		JSONRPC: "2.0",
		ID:      &id,
		Result:  json.RawMessage(`{"ok":true}`),
	})
	if !handled {
		t.Fatal("response was not handled")
	}
	select {
	case <-pc.done:
	default:
		t.Fatal("pending call not resolved")
	}
	if string(pc.result) != `{"ok":true}` {
		t.Errorf("result = %s", pc.result)
	}
	if pc.err != nil {
		t.Errorf("unexpected err: %v", pc.err)
	}
}

func TestHandleRPCResponse_ErrorCarriesRemoteRejectedCode(t *testing.T) {
	c := newTestClient()
	pc := &pendingCall{done: make(chan struct{})}
	c.pending.Store(int64(3), pc)

	id := int64(3)
	c.handleRPCResponse(jsonRPCMessage{
		JSONRPC: "2.0",
		ID:      &id,
		Error:   &jsonRPCError{Code: -32600, Message: "bad request"},
	})
	<-pc.done
	if pc.err == nil {
		t.Fatal("expected error")
	}
	if apperrors.CodeOf(pc.err) != apperrors.CodeRemoteRejected {
		t.Errorf("code = %q, want REMOTE_REJECTED", apperrors.CodeOf(pc.err))
	}
}

func TestHandleRPCResponse_ServerRequestNotConsumed(t *testing.T) {
	c := newTestClient()
	id := int64(9)
	// 带 method 的消息是 server request, 不是 response
	handled := c.handleRPCResponse(jsonRPCMessage{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  "item/commandExecution/requestApproval",
	})
	if handled {
		t.Fatal("server request must not be consumed as response")
	}
}

func TestDispatchNotification_ServerRequestCarriesRequestID(t *testing.T) {
	c := newTestClient()
	var got Notification
	c.SetNotificationHandler(func(n Notification) { got = n })

	id := int64(11)
	c.dispatchNotification(jsonRPCMessage{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  "item/tool/call",
		Params:  json.RawMessage(`{"x":1}`),
	})
	if got.Method != "item/tool/call" {
		t.Fatalf("method = %q", got.Method)
	}
	if got.RequestID == nil || *got.RequestID != 11 {
		t.Fatalf("RequestID = %v, want 11", got.RequestID)
	}
}

func TestFailAllPending_ResolvesWithDisconnected(t *testing.T) {
	c := newTestClient()
	var calls []*pendingCall
	for i := int64(1); i <= 5; i++ {
		pc := &pendingCall{done: make(chan struct{})}
		c.pending.Store(i, pc)
		calls = append(calls, pc)
	}

	c.failAllPending()

	for i, pc := range calls {
		select {
		case <-pc.done:
		default:
			t.Fatalf("call %d not resolved", i+1)
		}
		if !errors.Is(pc.err, apperrors.ErrDisconnected) {
			t.Errorf("call %d err = %v, want ErrDisconnected", i+1, pc.err)
		}
	}
}

func TestReadLoop_RoutesResponsesAndNotifications(t *testing.T) {
	c := newTestClient()
	notifCh := make(chan Notification, 4)
	c.SetNotificationHandler(func(n Notification) { notifCh <- n })

	pc := &pendingCall{done: make(chan struct{})}
	c.pending.Store(int64(1), pc)

	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc":"2.0","method":"turn/started","params":{"threadId":"t1"}}` + "\n")
	buf.WriteString(`not json at all` + "\n")
	buf.WriteString(`{"jsonrpc":"2.0","id":1,"result":{"thread":{"id":"t1"}}}` + "\n")

	done := make(chan struct{})
	go func() {
		c.readLoop(1, &buf)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop did not terminate on EOF")
	}

	select {
	case <-pc.done:
	default:
		t.Fatal("pending call not resolved by readLoop")
	}
	if !strings.Contains(string(pc.result), "t1") {
		t.Errorf("result = %s", pc.result)
	}

	select {
	case n := <-notifCh:
		if n.Method != "turn/started" {
			t.Errorf("notification method = %q", n.Method)
		}
	default:
		t.Fatal("notification not dispatched")
	}
}

func TestMethodTimeout_TurnStartMuchLongerThanDefault(t *testing.T) {
	c := newTestClient()
	if c.methodTimeout("turn/start") <= c.methodTimeout("thread/read") {
		t.Fatalf("turn/start timeout %v must exceed thread/read timeout %v",
			c.methodTimeout("turn/start"), c.methodTimeout("thread/read"))
	}
}

func TestWriteLine_NotRunning(t *testing.T) {
	c := newTestClient()
	err := c.writeLine(map[string]any{"x": 1})
	if err == nil {
		t.Fatal("expected error when engine not running")
	}
	if !errors.Is(err, apperrors.ErrDisconnected) {
		t.Errorf("err = %v, want ErrDisconnected", err)
	}
}

func TestTruncateBytes(t *testing.T) {
	if got := truncateBytes([]byte("short"), 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncateBytes([]byte("0123456789ab"), 4); got != "0123...(truncated)" {
		t.Errorf("got %q", got)
	}
}
