package poller

import (
	"fmt"
	"time"

	"github.com/suPer8Hu/jobtracker/internal/status"
)

// TimeoutError is a client-side give-up: the session exceeded its
// MaxDuration. The job may still finish on the server.
type TimeoutError struct {
	JobID   string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("poller: job %s still running after %s (limit %s)", e.JobID, e.Elapsed.Round(time.Millisecond), e.Limit)
}

// JobFailedError reports a failure declared by the server.
type JobFailedError struct {
	Status status.JobStatus
}

func (e *JobFailedError) Error() string {
	if e.Status.Message != "" {
		return fmt.Sprintf("poller: job %s %s: %s", e.Status.JobID, e.Status.State, e.Status.Message)
	}
	return fmt.Sprintf("poller: job %s %s", e.Status.JobID, e.Status.State)
}

// RetriesExhaustedError wraps the last transient error once the retry budget
// of a polling slot is spent.
type RetriesExhaustedError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("poller: job %s: giving up after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }
