package sse

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestLineReader_ReadsLinesInOrder(t *testing.T) {
	r := NewLineReader(strings.NewReader("event: message_start\ndata: {}\n\n"), time.Second)

	var lines []string
	for {
		line, err := r.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		lines = append(lines, line)
	}
	want := []string{"event: message_start", "data: {}", ""}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %+v", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

type blockingReader struct{}

func (blockingReader) Read(p []byte) (int, error) {
	select {} // never returns
}

func TestLineReader_IdleTimeout(t *testing.T) {
	r := NewLineReader(blockingReader{}, 10*time.Millisecond)
	_, err := r.ReadLine()
	if !IsIdleTimeout(err) {
		t.Fatalf("got %v, want idle timeout", err)
	}
}
