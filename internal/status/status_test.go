package status

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalize_OrderVocabulary(t *testing.T) {
	cases := map[string]State{
		"pending":    StatePending,
		"processing": StateProcessing,
		"ready":      StateCompleted,
		"error":      StateFailed,
		" READY ":    StateCompleted,
	}
	for raw, want := range cases {
		got, msg := OrderTable.Normalize(raw)
		if got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", raw, got, want)
		}
		if msg != "" {
			t.Fatalf("Normalize(%q) unexpected message %q", raw, msg)
		}
	}
}

func TestNormalize_UnknownKeepsRawValue(t *testing.T) {
	got, msg := AITable.Normalize("exploded")
	if got != StateFailed {
		t.Fatalf("expected failed, got %q", got)
	}
	if msg != `unknown status "exploded"` {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestMerge_TerminalRecordIsFrozen(t *testing.T) {
	now := time.Now()
	done := JobStatus{JobID: "j1", State: StateCompleted, Progress: 100, Result: json.RawMessage(`{"url":"x"}`), UpdatedAt: now}

	later := JobStatus{JobID: "j1", State: StateProcessing, Progress: 10, UpdatedAt: now.Add(time.Second)}
	got := Merge(&done, later)
	if got.State != StateCompleted || got.Progress != 100 || string(got.Result) != `{"url":"x"}` || !got.UpdatedAt.Equal(now) {
		t.Fatalf("terminal record changed: %+v", got)
	}
}

func TestMerge_ProgressNeverDecreases(t *testing.T) {
	created := time.Now()
	prev := JobStatus{JobID: "j1", State: StateProcessing, Progress: 45, CreatedAt: created}

	got := Merge(&prev, JobStatus{JobID: "j1", State: StateProcessing, Progress: 30})
	if got.Progress != 45 {
		t.Fatalf("expected progress 45, got %d", got.Progress)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at not preserved")
	}
}

func TestMerge_CompletedWithoutProgressReportsHundred(t *testing.T) {
	prev := JobStatus{JobID: "j1", State: StateProcessing, Progress: 90}
	got := Merge(&prev, JobStatus{JobID: "j1", State: StateCompleted})
	if got.Progress != 100 {
		t.Fatalf("expected 100, got %d", got.Progress)
	}
}

func TestPending_Placeholder(t *testing.T) {
	p := Pending("j9", KindAI, time.Now())
	if p.State != StatePending || p.Progress != 0 || p.IsTerminal() {
		t.Fatalf("unexpected placeholder %+v", p)
	}
}
