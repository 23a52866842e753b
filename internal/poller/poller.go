package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/jobtracker/internal/cache"
	"github.com/suPer8Hu/jobtracker/internal/fetch"
	"github.com/suPer8Hu/jobtracker/internal/gateway"
	"github.com/suPer8Hu/jobtracker/internal/retry"
	"github.com/suPer8Hu/jobtracker/internal/status"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxDuration = 30 * time.Minute
	DefaultMaxRetries  = 3
)

// Outcome is the lifecycle state of a poll session.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomePolling   Outcome = "polling"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed-out"
)

// Done reports whether the session has ended.
func (o Outcome) Done() bool {
	return o != OutcomeIdle && o != OutcomePolling
}

// Session is the runtime state of one poll loop.
type Session struct {
	JobID      string
	Generation uint64
	Interval   time.Duration
	Elapsed    time.Duration
	Polls      int
	Active     bool
	StartedAt  time.Time
}

// Config controls cadence, termination and notifications. The zero value
// polls with DefaultInterval, stops on completion and on error, and gives up
// after DefaultMaxDuration.
type Config struct {
	// Enabled starts polling from New when a job id is present.
	Enabled bool
	Kind    status.Kind

	Policy      Policy
	MaxDuration time.Duration

	ContinueOnCompletion bool
	ContinueOnError      bool

	// MaxRetries bounds in-place retries of transient fetch errors. Zero
	// means DefaultMaxRetries; negative disables retries.
	MaxRetries int
	Backoff    retry.Backoff

	OnStatusChange func(status.JobStatus)
	OnProgress     func(percent int)
	OnCompletion   func(status.JobStatus)
	OnError        func(error)
	// OnTimeout receives client-side give-ups. When nil they go to OnError
	// as a *TimeoutError.
	OnTimeout func(*TimeoutError)

	Log logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.Policy == nil {
		c.Policy = Fixed(DefaultInterval)
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return c
}

var errDeadline = errors.New("poll deadline reached")

// Poller repeatedly fetches one job's status into the result cache until the
// job reaches a terminal state, Stop is called, or MaxDuration elapses.
//
// Every session gets a generation number. Writes and callbacks from a
// session are dropped once its generation is no longer current, so a fetch
// still in flight after Stop can never overwrite a newer session's result.
type Poller struct {
	jobID string
	fetch fetch.Fetcher
	cache *cache.ResultCache
	cfg   Config
	log   logrus.FieldLogger

	gen atomic.Uint64

	mu      sync.Mutex
	session Session
	outcome Outcome
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(jobID string, f fetch.Fetcher, rc *cache.ResultCache, cfg Config) *Poller {
	cfg = cfg.withDefaults()
	done := make(chan struct{})
	close(done)
	p := &Poller{
		jobID:   jobID,
		fetch:   f,
		cache:   rc,
		cfg:     cfg,
		log:     cfg.Log.WithFields(logrus.Fields{"job_id": jobID, "kind": cfg.Kind}),
		outcome: OutcomeIdle,
		session: Session{JobID: jobID},
		done:    done,
	}
	if cfg.Enabled && jobID != "" {
		p.Start(context.Background())
	}
	return p
}

func (p *Poller) JobID() string { return p.jobID }

// Start begins a new session. It is a no-op while a session is active or
// when the poller has no job id, and reports whether a session started.
func (p *Poller) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jobID == "" || p.outcome == OutcomePolling {
		return false
	}

	gen := p.gen.Add(1)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.session = Session{JobID: p.jobID, Generation: gen, Active: true, StartedAt: time.Now()}
	p.outcome = OutcomePolling
	p.lastErr = nil
	p.cancel = cancel
	p.done = done

	go p.run(runCtx, gen, done)
	return true
}

// Stop cancels the active session. Idempotent; a no-op after the session
// ended on its own.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outcome != OutcomePolling {
		return
	}
	p.gen.Add(1)
	p.outcome = OutcomeCancelled
	p.session.Active = false
	p.session.Elapsed = time.Since(p.session.StartedAt)
	if p.cancel != nil {
		p.cancel()
	}
	p.log.WithField("polls", p.session.Polls).Info("polling stopped")
}

// Wait blocks until the current session ends and returns its outcome.
func (p *Poller) Wait() Outcome {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	<-done
	return p.Outcome()
}

// Done is closed when the session that is current at call time ends.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Poller) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

func (p *Poller) IsPolling() bool { return p.Outcome() == OutcomePolling }

// Err is the error that ended the last session, if any.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Poller) Session() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.session
	if s.Active {
		s.Elapsed = time.Since(s.StartedAt)
	}
	return s
}

// Status returns the cached record for the job.
func (p *Poller) Status() (status.JobStatus, bool) {
	return p.cache.Get(p.jobID)
}

func (p *Poller) current(gen uint64) bool { return p.gen.Load() == gen }

type observer struct {
	seen         bool
	last         status.JobStatus
	lastProgress int
	completed    bool
	lastErr      string
}

func (p *Poller) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	start := time.Now()
	deadline := start.Add(p.cfg.MaxDuration)
	obs := &observer{lastProgress: -1}

	for {
		if ctx.Err() != nil {
			p.abandon(gen)
			return
		}
		if !time.Now().Before(deadline) {
			p.timeout(gen, start)
			return
		}

		st, err := p.fetchSlot(ctx, deadline)
		if ctx.Err() != nil {
			p.abandon(gen)
			return
		}

		var interval time.Duration
		if err != nil {
			if errors.Is(err, errDeadline) {
				p.timeout(gen, start)
				return
			}
			if !p.cfg.ContinueOnError {
				p.fail(gen, obs, err)
				return
			}
			p.log.WithError(err).Warn("status fetch failed, continuing")
			p.reportError(gen, obs, err)
			last, _ := p.cache.Get(p.jobID)
			interval = p.cfg.Policy.Next(p.recordPoll(gen, start), last)
		} else {
			stored, ok := p.cache.SetIf(p.jobID, st, func() bool { return p.current(gen) })
			if !ok {
				return
			}
			sess := p.recordPoll(gen, start)

			if stored.IsTerminal() && p.stopsOn(stored) {
				p.finishTerminal(gen, obs, stored)
				return
			}
			p.notify(gen, obs, stored)
			interval = p.cfg.Policy.Next(sess, stored)
		}

		p.setInterval(gen, interval)
		wait := interval
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}
		if !retry.Sleep(ctx, wait) {
			p.abandon(gen)
			return
		}
	}
}

// fetchSlot performs one polling slot: a fetch plus in-place retries of
// transient failures.
func (p *Poller) fetchSlot(ctx context.Context, deadline time.Time) (status.JobStatus, error) {
	for attempt := 0; ; attempt++ {
		st, err := p.fetch(ctx, p.jobID)
		if err == nil {
			return st, nil
		}
		if ctx.Err() != nil {
			return status.JobStatus{}, ctx.Err()
		}
		if !gateway.IsRetryable(err) {
			return status.JobStatus{}, err
		}
		if attempt >= p.cfg.MaxRetries {
			return status.JobStatus{}, &RetriesExhaustedError{JobID: p.jobID, Attempts: attempt + 1, Err: err}
		}

		delay := p.cfg.Backoff.Delay(attempt)
		p.log.WithError(err).WithFields(logrus.Fields{"attempt": attempt + 1, "delay": delay}).Debug("transient status fetch error, retrying")
		if time.Now().Add(delay).After(deadline) {
			if !retry.Sleep(ctx, time.Until(deadline)) {
				return status.JobStatus{}, ctx.Err()
			}
			return status.JobStatus{}, errDeadline
		}
		if !retry.Sleep(ctx, delay) {
			return status.JobStatus{}, ctx.Err()
		}
	}
}

func (p *Poller) stopsOn(st status.JobStatus) bool {
	if st.State == status.StateFailed {
		return !p.cfg.ContinueOnError
	}
	return !p.cfg.ContinueOnCompletion
}

func (p *Poller) recordPoll(gen uint64, start time.Time) Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current(gen) {
		p.session.Polls++
		p.session.Elapsed = time.Since(start)
	}
	return p.session
}

func (p *Poller) setInterval(gen uint64, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current(gen) {
		p.session.Interval = d
	}
}

// end moves the session to a final outcome if gen is still current.
func (p *Poller) end(gen uint64, outcome Outcome, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.current(gen) || p.outcome != OutcomePolling {
		return false
	}
	p.outcome = outcome
	p.lastErr = err
	p.session.Active = false
	p.session.Elapsed = time.Since(p.session.StartedAt)
	if p.cancel != nil {
		p.cancel()
	}
	return true
}

func (p *Poller) finishTerminal(gen uint64, obs *observer, st status.JobStatus) {
	var (
		outcome Outcome
		err     error
	)
	switch st.State {
	case status.StateCompleted:
		outcome = OutcomeSucceeded
	case status.StateCancelled:
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
		err = &JobFailedError{Status: st}
	}
	if !p.end(gen, outcome, err) {
		return
	}
	p.log.WithFields(logrus.Fields{"outcome": outcome, "polls": p.Session().Polls}).Info("polling finished")

	p.notify(gen, obs, st)
	if err != nil {
		p.reportError(gen, obs, err)
	}
}

func (p *Poller) fail(gen uint64, obs *observer, err error) {
	last, _ := p.cache.Get(p.jobID)
	kind := last.Kind
	if kind == "" {
		kind = p.cfg.Kind
	}
	rec := status.JobStatus{
		JobID:     p.jobID,
		Kind:      kind,
		State:     status.StateFailed,
		Progress:  last.Progress,
		Message:   err.Error(),
		Metadata:  last.Metadata,
		UpdatedAt: time.Now().UTC(),
	}
	stored, ok := p.cache.SetIf(p.jobID, rec, func() bool { return p.current(gen) })
	if !ok || !p.end(gen, OutcomeFailed, err) {
		return
	}
	p.log.WithError(err).Warn("polling failed")

	p.notify(gen, obs, stored)
	p.reportError(gen, obs, err)
}

func (p *Poller) timeout(gen uint64, start time.Time) {
	te := &TimeoutError{JobID: p.jobID, Elapsed: time.Since(start), Limit: p.cfg.MaxDuration}
	if !p.end(gen, OutcomeTimedOut, te) {
		return
	}
	p.log.WithField("elapsed", te.Elapsed).Warn("polling timed out")

	switch {
	case p.cfg.OnTimeout != nil:
		p.cfg.OnTimeout(te)
	case p.cfg.OnError != nil:
		p.cfg.OnError(te)
	}
}

// abandon handles cancellation of the parent context. Stop already moved
// the session on, so this only matters when the caller's ctx was cancelled.
func (p *Poller) abandon(gen uint64) {
	if p.end(gen, OutcomeCancelled, nil) {
		p.log.Info("polling cancelled by context")
	}
}

func (p *Poller) notify(gen uint64, obs *observer, st status.JobStatus) {
	if !p.current(gen) {
		return
	}
	if !obs.seen || !status.Equal(obs.last, st) {
		if p.cfg.OnStatusChange != nil {
			p.cfg.OnStatusChange(st)
		}
	}
	if st.Progress != obs.lastProgress && p.cfg.OnProgress != nil {
		p.cfg.OnProgress(st.Progress)
	}
	obs.seen = true
	obs.last = st
	obs.lastProgress = st.Progress

	if st.State == status.StateCompleted && !obs.completed {
		obs.completed = true
		if p.cfg.OnCompletion != nil {
			p.cfg.OnCompletion(st)
		}
	}
}

func (p *Poller) reportError(gen uint64, obs *observer, err error) {
	if !p.current(gen) || err.Error() == obs.lastErr {
		return
	}
	obs.lastErr = err.Error()
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}
