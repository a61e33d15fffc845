package statestore

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestAppendJSONL_WritesOneLinePerRecord(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.AppendJSONL("events", map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	f, err := os.Open(s.LogPath("events"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]int
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("lines = %d, want 3", lines)
	}
}

func TestAppendJSONL_SinkInvokedSynchronously(t *testing.T) {
	s := newTestStore(t)

	var gotKind string
	var gotRecord interface{}
	s.SetSink(func(kind string, record interface{}) {
		gotKind, gotRecord = kind, record
	})

	if err := s.AppendJSONL("tools", map[string]string{"name": "run_shell"}); err != nil {
		t.Fatal(err)
	}
	if gotKind != "tools" {
		t.Errorf("sink kind = %q, want tools", gotKind)
	}
	if gotRecord == nil {
		t.Error("sink record missing")
	}
}

func TestAppendJSONL_RotatesOversizedLog(t *testing.T) {
	s, err := New(Options{DataDir: t.TempDir(), LogRotateBytes: 256, LogHistoryFiles: 3})
	if err != nil {
		t.Fatal(err)
	}

	long := strings.Repeat("x", 100)
	for i := 0; i < 10; i++ {
		if err := s.AppendJSONL("chat", map[string]string{"text": long}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := os.Stat(s.LogPath("chat") + ".1"); err != nil {
		t.Errorf("expected chat.jsonl.1 after rotation: %v", err)
	}
	info, err := os.Stat(s.LogPath("chat"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 512 {
		t.Errorf("live log not rotated, size %d", info.Size())
	}
}
