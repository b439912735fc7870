package history

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// Deterministic, strictly increasing timestamps.
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		base = base.Add(time.Second)
		return base
	}
	return s
}

func TestRecordAndQueryCommands(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := s.RecordCommand(ctx, fmt.Sprintf("echo %d", i), "success", fmt.Sprintf("out %d", i), "default"); err != nil {
			t.Fatalf("RecordCommand failed: %v", err)
		}
	}

	entries, err := s.RecentCommands(ctx, 15)
	if err != nil {
		t.Fatalf("RecentCommands failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	// Oldest first.
	for i, e := range entries {
		if want := fmt.Sprintf("echo %d", i+1); e.Command != want {
			t.Errorf("entries[%d].Command = %q, want %q", i, e.Command, want)
		}
		if e.Profile != "default" || e.Status != "success" || e.ID == "" {
			t.Errorf("entries[%d] = %+v", i, e)
		}
	}
}

func TestHistoryRetentionCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < historyCap+5; i++ {
		if err := s.RecordCommand(ctx, fmt.Sprintf("cmd %d", i), "success", "", "default"); err != nil {
			t.Fatalf("RecordCommand failed: %v", err)
		}
	}

	entries, err := s.RecentCommands(ctx, historyCap*2)
	if err != nil {
		t.Fatalf("RecentCommands failed: %v", err)
	}
	if len(entries) != historyCap {
		t.Errorf("entries = %d, want cap %d", len(entries), historyCap)
	}
	if entries[0].Command != "cmd 5" {
		t.Errorf("oldest surviving entry = %q, want cmd 5", entries[0].Command)
	}
}

func TestOutputClipped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", outputClip+200)
	if err := s.RecordCommand(ctx, "big", "success", long, "default"); err != nil {
		t.Fatalf("RecordCommand failed: %v", err)
	}
	entries, err := s.RecentCommands(ctx, 1)
	if err != nil {
		t.Fatalf("RecentCommands failed: %v", err)
	}
	if len(entries[0].Output) != outputClip {
		t.Errorf("stored output = %d bytes, want %d", len(entries[0].Output), outputClip)
	}
}

func TestErrorLogRetentionCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < errorCap+3; i++ {
		if err := s.RecordError(ctx, fmt.Sprintf("cmd %d", i), "boom"); err != nil {
			t.Fatalf("RecordError failed: %v", err)
		}
	}

	entries, err := s.RecentErrors(ctx, errorCap*2)
	if err != nil {
		t.Fatalf("RecentErrors failed: %v", err)
	}
	if len(entries) != errorCap {
		t.Errorf("entries = %d, want cap %d", len(entries), errorCap)
	}
	if entries[0].Command != "cmd 3" {
		t.Errorf("oldest surviving entry = %q, want cmd 3", entries[0].Command)
	}
	if entries[len(entries)-1].Error != "boom" {
		t.Errorf("last entry = %+v", entries[len(entries)-1])
	}
}
