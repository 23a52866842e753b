package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/suPer8Hu/jobtracker/internal/poller"
	"github.com/suPer8Hu/jobtracker/internal/status"
)

// tracker owns the single poller of one job and fans its notifications out
// to every attached handle.
type tracker struct {
	svc    *Service
	jobID  string
	kind   status.Kind
	userID uint64
	poller *poller.Poller

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

func newTracker(s *Service, jobID string, kind status.Kind, userID uint64) *tracker {
	return &tracker{
		svc:     s,
		jobID:   jobID,
		kind:    kind,
		userID:  userID,
		handles: make(map[*Handle]struct{}),
	}
}

func (t *tracker) attach(cb Callbacks) *Handle {
	h := &Handle{cb: cb}
	h.cur.Store(t)
	t.mu.Lock()
	t.handles[h] = struct{}{}
	t.mu.Unlock()
	return h
}

// detach removes h and reports how many handles remain.
func (t *tracker) detach(h *Handle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, h)
	return len(t.handles)
}

func (t *tracker) reattach(h *Handle) {
	t.mu.Lock()
	t.handles[h] = struct{}{}
	t.mu.Unlock()
}

func (t *tracker) snapshot() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := make([]*Handle, 0, len(t.handles))
	for h := range t.handles {
		hs = append(hs, h)
	}
	return hs
}

// ensureRunning starts a session unless one is active and reports whether
// it did. Callers hold svc.mu so a finished tracker cannot be dropped from
// the service between the start and the map check in sessionEnded.
func (t *tracker) ensureRunning() bool {
	s := t.svc
	if s.ctx.Err() != nil || !t.poller.Start(s.ctx) {
		return false
	}
	done := t.poller.Done()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-done
		if o := t.poller.Outcome(); o.Done() {
			s.sessionEnded(t, o, t.poller.Err())
		}
	}()
	return true
}

func (t *tracker) markPolling() {
	s := t.svc
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, defaultDBTimeout)
	defer cancel()
	if err := s.repo.MarkOutcome(ctx, t.jobID, string(poller.OutcomePolling)); err != nil {
		s.log.WithError(err).WithField("job_id", t.jobID).Debug("mark polling failed")
	}
}

func (t *tracker) onStatusChange(st status.JobStatus) {
	if !st.State.IsTerminal() {
		t.svc.persistProgress(st)
	}
	for _, h := range t.snapshot() {
		if h.cb.OnStatusChange != nil {
			h.cb.OnStatusChange(st)
		}
	}
}

func (t *tracker) onProgress(p int) {
	for _, h := range t.snapshot() {
		if h.cb.OnProgress != nil {
			h.cb.OnProgress(p)
		}
	}
}

func (t *tracker) onCompletion(st status.JobStatus) {
	for _, h := range t.snapshot() {
		if h.cb.OnCompletion != nil {
			h.cb.OnCompletion(st)
		}
	}
}

func (t *tracker) onError(err error) {
	for _, h := range t.snapshot() {
		if h.cb.OnError != nil {
			h.cb.OnError(err)
		}
	}
}

func (t *tracker) onTimeout(te *poller.TimeoutError) {
	for _, h := range t.snapshot() {
		switch {
		case h.cb.OnTimeout != nil:
			h.cb.OnTimeout(te)
		case h.cb.OnError != nil:
			h.cb.OnError(te)
		}
	}
}

// Handle is one caller's view of a tracked job. Handles for the same job
// share a poller; Stop detaches this handle and ends polling once no handle
// is left.
type Handle struct {
	cur atomic.Pointer[tracker]
	cb  Callbacks
}

func (h *Handle) t() *tracker { return h.cur.Load() }

func (h *Handle) JobID() string     { return h.t().jobID }
func (h *Handle) Kind() status.Kind { return h.t().kind }

func (h *Handle) IsPolling() bool { return h.t().poller.IsPolling() }

func (h *Handle) Outcome() poller.Outcome { return h.t().poller.Outcome() }

// Err is the error that ended the last session, if any.
func (h *Handle) Err() error { return h.t().poller.Err() }

func (h *Handle) Session() poller.Session { return h.t().poller.Session() }

// Status returns the cached record for the job.
func (h *Handle) Status() (status.JobStatus, bool) {
	t := h.t()
	return t.svc.cache.Get(t.jobID)
}

// Progress is the cached progress, 0 when nothing is cached yet.
func (h *Handle) Progress() int {
	st, _ := h.Status()
	return st.Progress
}

// Data is the result payload of a completed job, nil otherwise.
func (h *Handle) Data() json.RawMessage {
	st, ok := h.Status()
	if !ok || st.State != status.StateCompleted {
		return nil
	}
	return st.Result
}

// Stop detaches the handle. Polling stops when it was the last one.
func (h *Handle) Stop() {
	t := h.t()
	if t.detach(h) == 0 {
		t.poller.Stop()
	}
}

// Start reattaches the handle and resumes polling if it is not running.
// When the job's tracker was replaced since the handle stopped, the handle
// moves to the current one so the job keeps a single poller.
func (h *Handle) Start() {
	t := h.t()
	s := t.svc
	s.mu.Lock()
	if cur, ok := s.trackers[t.jobID]; ok && cur != t {
		t.detach(h)
		t = cur
		h.cur.Store(t)
	} else if !ok {
		s.trackers[t.jobID] = t
	}
	t.reattach(h)
	started := t.ensureRunning()
	s.mu.Unlock()
	if started {
		t.markPolling()
	}
}

// Done is closed when the session current at call time ends.
func (h *Handle) Done() <-chan struct{} { return h.t().poller.Done() }

// Wait blocks until the current session ends or ctx is done.
func (h *Handle) Wait(ctx context.Context) (poller.Outcome, error) {
	p := h.t().poller
	select {
	case <-p.Done():
		return p.Outcome(), nil
	case <-ctx.Done():
		return p.Outcome(), ctx.Err()
	}
}
