package status

import (
	"encoding/json"
	"time"
)

// State is the canonical lifecycle state of a tracked job. Provider
// vocabularies ("ready", "error", "succeeded", ...) are collapsed into
// these values by Normalize.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Kind identifies which gateway endpoint family a job belongs to.
type Kind string

const (
	KindOrder Kind = "order"
	KindAI    Kind = "ai"
)

func (k Kind) Valid() bool {
	return k == KindOrder || k == KindAI
}

// JobStatus is the full record stored in the result cache for one job.
type JobStatus struct {
	JobID    string          `json:"job_id"`
	Kind     Kind            `json:"kind"`
	State    State           `json:"state"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s JobStatus) IsTerminal() bool { return s.State.IsTerminal() }

// Pending builds the optimistic placeholder written right after job creation.
func Pending(jobID string, kind Kind, now time.Time) JobStatus {
	return JobStatus{
		JobID:     jobID,
		Kind:      kind,
		State:     StatePending,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Merge returns the record that should replace prev after observing next.
//
// A terminal prev is returned untouched. Progress never goes backwards while
// the job is running, and a completed job without an explicit progress
// reports 100.
func Merge(prev *JobStatus, next JobStatus) JobStatus {
	if prev == nil {
		if next.CreatedAt.IsZero() {
			next.CreatedAt = next.UpdatedAt
		}
		return clampProgress(next)
	}
	if prev.IsTerminal() {
		return *prev
	}

	out := next
	out.CreatedAt = prev.CreatedAt
	if out.CreatedAt.IsZero() {
		out.CreatedAt = next.UpdatedAt
	}
	if out.Kind == "" {
		out.Kind = prev.Kind
	}

	out = clampProgress(out)
	switch out.State {
	case StatePending, StateProcessing:
		if out.Progress < prev.Progress {
			out.Progress = prev.Progress
		}
	case StateCompleted:
		if out.Progress < prev.Progress {
			out.Progress = prev.Progress
		}
	}
	return out
}

func clampProgress(s JobStatus) JobStatus {
	if s.Progress < 0 {
		s.Progress = 0
	}
	if s.Progress > 100 {
		s.Progress = 100
	}
	if s.State == StateCompleted && s.Progress == 0 {
		s.Progress = 100
	}
	return s
}

// Equal reports whether two records carry the same observable status. Used
// to suppress duplicate notifications; timestamps are ignored.
func Equal(a, b JobStatus) bool {
	return a.State == b.State &&
		a.Progress == b.Progress &&
		a.Message == b.Message &&
		string(a.Result) == string(b.Result)
}
