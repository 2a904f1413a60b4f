package logger

import (
	"testing"
)

func TestInitSwitchesLogger(t *testing.T) {
	before := getLogger()
	Init("development")
	after := getLogger()
	if before == after {
		t.Fatalf("Init did not replace the default logger")
	}
	Init("production")
}

func TestFieldConstants(t *testing.T) {
	// 字段常量用于 DB 列映射, 值不可漂移。
	cases := map[string]string{
		FieldThreadID:  "thread_id",
		FieldTurnID:    "turn_id",
		FieldMethod:    "method",
		FieldEventType: "event_type",
		FieldSeq:       "seq",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("field constant = %q, want %q", got, want)
		}
	}
}

func TestContainsErrorKeyword(t *testing.T) {
	if !containsErrorKeyword("ERROR: stream reset") {
		t.Fatalf("ERROR line not detected")
	}
	if containsErrorKeyword("listening on stdio") {
		t.Fatalf("plain line misdetected as error")
	}
}
