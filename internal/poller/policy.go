package poller

import (
	"time"

	"github.com/suPer8Hu/jobtracker/internal/status"
)

// Policy decides how long to wait before the next fetch. It is consulted
// after every successful fetch with the session so far and the record the
// cache now holds.
type Policy interface {
	Next(s Session, last status.JobStatus) time.Duration
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(s Session, last status.JobStatus) time.Duration

func (f PolicyFunc) Next(s Session, last status.JobStatus) time.Duration { return f(s, last) }

// Fixed waits the same interval between every fetch.
type Fixed time.Duration

func (f Fixed) Next(Session, status.JobStatus) time.Duration {
	if f <= 0 {
		return DefaultInterval
	}
	return time.Duration(f)
}

// StateTable picks the interval from the current job state.
type StateTable struct {
	Intervals map[status.State]time.Duration
	Fallback  time.Duration
}

func (t StateTable) Next(_ Session, last status.JobStatus) time.Duration {
	if d, ok := t.Intervals[last.State]; ok && d > 0 {
		return d
	}
	if t.Fallback > 0 {
		return t.Fallback
	}
	return DefaultInterval
}

// DefaultStateTable is the canonical cadence: fast while queued, slower once
// the job is running, and slow for terminal states that are still being
// polled (ContinueOnCompletion / ContinueOnError).
func DefaultStateTable() StateTable {
	return StateTable{
		Intervals: map[status.State]time.Duration{
			status.StatePending:    time.Second,
			status.StateProcessing: 2 * time.Second,
			status.StateCompleted:  5 * time.Second,
			status.StateFailed:     10 * time.Second,
			status.StateCancelled:  10 * time.Second,
		},
		Fallback: DefaultInterval,
	}
}

// Growing starts at Base and adds Step per completed poll, up to Max.
type Growing struct {
	Base time.Duration
	Step time.Duration
	Max  time.Duration
}

func (g Growing) Next(s Session, _ status.JobStatus) time.Duration {
	base := g.Base
	if base <= 0 {
		base = DefaultInterval
	}
	polls := s.Polls - 1
	if polls < 0 {
		polls = 0
	}
	d := base + time.Duration(polls)*g.Step
	if g.Max > 0 && d > g.Max {
		d = g.Max
	}
	return d
}
