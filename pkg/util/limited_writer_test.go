package util

import (
	"bytes"
	"testing"
)

func TestLimitedWriter_WritesUpToLimit(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLimitedWriter(&buf, 10)

	n, err := lw.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected n=5, got %d", n)
	}
	if buf.String() != "hello" {
		t.Fatalf("expected 'hello', got %q", buf.String())
	}
}

func TestLimitedWriter_TruncatesAtLimit(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLimitedWriter(&buf, 10)

	n, err := lw.Write([]byte("123456789012"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected n=10, got %d", n)
	}
	if buf.String() != "1234567890" {
		t.Fatalf("expected '1234567890', got %q", buf.String())
	}
}

func TestLimitedWriter_SilentlyDiscardsAfterLimit(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLimitedWriter(&buf, 5)

	lw.Write([]byte("hello"))
	n, err := lw.Write([]byte("world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 返回 len(p) 以免调用方误判管道断裂
	if n != 5 {
		t.Fatalf("expected n=5 (silently discarded), got %d", n)
	}
	if buf.String() != "hello" {
		t.Fatalf("expected 'hello', got %q", buf.String())
	}
}

func TestLimitedWriter_Overflow(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLimitedWriter(&buf, 5)

	if _, err := lw.Write([]byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lw.Overflow() {
		t.Fatal("expected overflow=false when output exactly hits limit without discard")
	}

	if _, err := lw.Write([]byte("!")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !lw.Overflow() {
		t.Fatal("expected overflow=true after data is discarded")
	}
	if lw.Written() != 5 {
		t.Fatalf("Written() = %d, want 5", lw.Written())
	}
}
