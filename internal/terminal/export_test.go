package terminal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestExportCast(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Timestamp: base, Bytes: []byte("hello ")},
		{Timestamp: base.Add(1500 * time.Millisecond), Bytes: []byte("world\r\n")},
	}

	out, err := ExportCast(entries, 80, 24)
	if err != nil {
		t.Fatalf("ExportCast: %v", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	if !sc.Scan() {
		t.Fatal("missing header line")
	}
	var header struct {
		Version int `json:"version"`
		Width   int `json:"width"`
		Height  int `json:"height"`
	}
	if err := json.Unmarshal(sc.Bytes(), &header); err != nil {
		t.Fatalf("header: %v", err)
	}
	if header.Version != 2 || header.Width != 80 || header.Height != 24 {
		t.Errorf("header = %+v, want version 2 80x24", header)
	}

	var events [][]any
	for sc.Scan() {
		var ev []any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("event: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if got := events[0][0].(float64); got != 0 {
		t.Errorf("first elapsed = %v, want 0", got)
	}
	if got := events[1][0].(float64); got != 1.5 {
		t.Errorf("second elapsed = %v, want 1.5", got)
	}
	if got := events[1][2].(string); got != "world\r\n" {
		t.Errorf("second data = %q", got)
	}
}

func TestExportCastEmpty(t *testing.T) {
	out, err := ExportCast(nil, 80, 24)
	if err != nil {
		t.Fatalf("ExportCast: %v", err)
	}
	if lines := bytes.Count(out, []byte("\n")); lines != 1 {
		t.Errorf("got %d lines, want header only", lines)
	}
}
