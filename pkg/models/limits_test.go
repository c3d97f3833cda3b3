package models

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestLimits_ApplyEntryTrimsOldestAttempts(t *testing.T) {
	entry := NewImageEntry("img", "acct", time.Now())
	for _, id := range []string{"a5", "a4", "a3", "a2", "a1"} {
		entry.Attempts = append(entry.Attempts, NewAttempt(id, "", time.Now()))
	}

	l := Limits{MaxAttempts: 3}
	if !l.ApplyEntry(entry) {
		t.Fatal("ApplyEntry() should report a change")
	}
	if len(entry.Attempts) != 3 {
		t.Fatalf("len(Attempts) = %d, want 3", len(entry.Attempts))
	}
	if entry.Attempts[0].ID != "a5" || entry.Attempts[2].ID != "a3" {
		t.Errorf("kept attempts %s..%s, want a5..a3", entry.Attempts[0].ID, entry.Attempts[2].ID)
	}

	if l.ApplyEntry(entry) {
		t.Error("second ApplyEntry() should be a no-op")
	}
}

func TestLimits_ApplyEntryKeepsEntryWithoutAttempts(t *testing.T) {
	entry := NewImageEntry("img", "acct", time.Now())
	entry.ThumbnailURL = "https://assets.example/thumb.jpg"

	if (Limits{MaxAttempts: 1}).ApplyEntry(entry) {
		t.Error("ApplyEntry() on an entry with no attempts should be a no-op")
	}
	if len(entry.Attempts) != 0 || entry.ThumbnailURL == "" {
		t.Errorf("entry changed: attempts=%v thumbnail=%q", entry.Attempts, entry.ThumbnailURL)
	}
}

func TestLimits_ApplyAttempt(t *testing.T) {
	a := NewAttempt("a", "", time.Now())
	for i := 0; i < 10; i++ {
		a.ProgressEvents = append(a.ProgressEvents, ProgressEvent{Progress: i * 10})
	}
	a.RawStream = strings.Repeat("x", 50) + "TAIL"
	a.PayloadSnapshot = "HEAD" + strings.Repeat("y", 50)

	l := Limits{MaxProgressEvents: 4, RawStreamBudget: 8, PayloadSnapshotBudget: 8}
	if !l.ApplyAttempt(a) {
		t.Fatal("ApplyAttempt() should report a change")
	}

	if len(a.ProgressEvents) != 4 {
		t.Fatalf("len(ProgressEvents) = %d, want 4", len(a.ProgressEvents))
	}
	if a.ProgressEvents[0].Progress != 60 {
		t.Errorf("oldest kept progress = %d, want 60", a.ProgressEvents[0].Progress)
	}
	if a.RawStream != "xxxxTAIL" {
		t.Errorf("RawStream = %q, want %q", a.RawStream, "xxxxTAIL")
	}
	if a.PayloadSnapshot != "HEADyyyy" {
		t.Errorf("PayloadSnapshot = %q, want %q", a.PayloadSnapshot, "HEADyyyy")
	}
}

func TestKeepTailAndHead_RuneBoundaries(t *testing.T) {
	s := "ééééé" // 2 bytes per rune

	tail := KeepTail(s, 5)
	if !utf8.ValidString(tail) {
		t.Errorf("KeepTail() produced invalid UTF-8: %q", tail)
	}
	if tail != "éé" {
		t.Errorf("KeepTail() = %q, want %q", tail, "éé")
	}

	head := KeepHead(s, 5)
	if !utf8.ValidString(head) {
		t.Errorf("KeepHead() produced invalid UTF-8: %q", head)
	}
	if head != "éé" {
		t.Errorf("KeepHead() = %q, want %q", head, "éé")
	}

	if got := KeepTail("abc", 10); got != "abc" {
		t.Errorf("KeepTail() short input = %q", got)
	}
	if got := KeepHead("abc", 0); got != "" {
		t.Errorf("KeepHead(0) = %q, want empty", got)
	}
}
