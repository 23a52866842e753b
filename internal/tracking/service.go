package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/jobtracker/internal/batch"
	"github.com/suPer8Hu/jobtracker/internal/cache"
	"github.com/suPer8Hu/jobtracker/internal/fetch"
	"github.com/suPer8Hu/jobtracker/internal/gateway"
	"github.com/suPer8Hu/jobtracker/internal/poller"
	"github.com/suPer8Hu/jobtracker/internal/retry"
	"github.com/suPer8Hu/jobtracker/internal/status"
	"github.com/suPer8Hu/jobtracker/internal/store/rabbitmq"
)

const defaultDBTimeout = 5 * time.Second

// Gateway is the part of the remote job service the tracker calls besides
// status fetches.
type Gateway interface {
	fetch.StatusGateway
	CreateOrder(ctx context.Context, siteID, stockID string) (string, error)
	CreateAIJob(ctx context.Context, prompt string, opts gateway.AIJobOptions) (string, error)
	GetDownloadLink(ctx context.Context, taskID string) (gateway.DownloadLink, error)
	GetStockInfo(ctx context.Context, siteID, stockID string) (gateway.StockInfo, error)
}

// EventPublisher receives a message whenever a poll session ends.
type EventPublisher interface {
	PublishEvent(ctx context.Context, msg rabbitmq.EventMessage) error
}

// Callbacks are the per-tracker notifications. Each is optional.
type Callbacks struct {
	OnStatusChange func(status.JobStatus)
	OnProgress     func(percent int)
	OnCompletion   func(status.JobStatus)
	OnError        func(error)
	OnTimeout      func(*poller.TimeoutError)
}

// TrackConfig configures a tracker. Cadence fields apply when the tracker
// starts the job's poller; a tracker attaching to an already running poller
// only adds its callbacks. A nil Continue* field takes the service default,
// and stopping is the default of last resort.
type TrackConfig struct {
	Policy               poller.Policy
	MaxDuration          time.Duration
	ContinueOnCompletion *bool
	ContinueOnError      *bool
	MaxRetries           int
	Backoff              retry.Backoff

	Callbacks
}

// Options wire a Service.
type Options struct {
	Gateway  Gateway
	Fetchers *fetch.Registry
	Cache    *cache.ResultCache
	Repo     *Repo
	Events   EventPublisher

	// Defaults fill unset TrackConfig fields.
	Defaults TrackConfig
	Batch    batch.Config

	Log logrus.FieldLogger
}

// Service creates jobs and tracks them: one poller per job id, shared by
// every handle tracking that job.
type Service struct {
	gw       Gateway
	fetchers *fetch.Registry
	cache    *cache.ResultCache
	repo     *Repo
	events   EventPublisher
	defaults TrackConfig
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	trackers map[string]*tracker

	stock *batch.Orchestrator[batch.StockRequest, gateway.StockInfo]
	jobs  *batch.Orchestrator[batch.JobRequest, status.JobStatus]
}

func NewService(opts Options) *Service {
	lg := opts.Log
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	fetchers := opts.Fetchers
	if fetchers == nil && opts.Gateway != nil {
		fetchers = fetch.NewGatewayRegistry(opts.Gateway)
	}
	rc := opts.Cache
	if rc == nil {
		rc = cache.New(cache.Options{Log: lg})
	}
	bcfg := opts.Batch
	if bcfg.Log == nil {
		bcfg.Log = lg
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		gw:       opts.Gateway,
		fetchers: fetchers,
		cache:    rc,
		repo:     opts.Repo,
		events:   opts.Events,
		defaults: opts.Defaults,
		log:      lg,
		ctx:      ctx,
		cancel:   cancel,
		trackers: make(map[string]*tracker),
	}
	s.stock = batch.New[batch.StockRequest, gateway.StockInfo](func(ctx context.Context, req batch.StockRequest) (gateway.StockInfo, error) {
		return s.gw.GetStockInfo(ctx, req.SiteID, req.StockID)
	}, bcfg)
	s.jobs = batch.New[batch.JobRequest, status.JobStatus](s.fetchJobForBatch, bcfg)
	return s
}

func (s *Service) Cache() *cache.ResultCache { return s.cache }

// Close ends every poll session and waits for their bookkeeping. Sessions
// cut short here keep their persisted "polling" outcome so ResumeActive can
// pick them up again. The cache is owned by the caller.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// CreateOrder places a stock order and starts tracking it. Gateway errors
// are returned to the caller; nothing is tracked in that case.
func (s *Service) CreateOrder(ctx context.Context, userID uint64, siteID, stockID string, cfg TrackConfig) (*Handle, error) {
	if err := batch.Validate(batch.StockRequest{SiteID: siteID, StockID: stockID}); err != nil {
		return nil, err
	}
	taskID, err := s.gw.CreateOrder(ctx, siteID, stockID)
	if err != nil {
		return nil, err
	}
	s.cache.Seed(taskID, status.KindOrder)
	s.persist(ctx, &TrackedJob{
		ID: taskID, Kind: string(status.KindOrder), UserID: userID,
		SiteID: siteID, StockID: stockID,
		State: string(status.StatePending), Outcome: string(poller.OutcomePolling),
	})
	return s.StartTracking(taskID, status.KindOrder, userID, cfg)
}

// CreateAIJob submits a generation job and starts tracking it.
func (s *Service) CreateAIJob(ctx context.Context, userID uint64, prompt string, opts gateway.AIJobOptions, cfg TrackConfig) (*Handle, error) {
	if prompt == "" {
		return nil, &batch.ValidationError{Fields: []string{"prompt required"}, Err: errors.New("empty prompt")}
	}
	jobID, err := s.gw.CreateAIJob(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	s.cache.Seed(jobID, status.KindAI)
	s.persist(ctx, &TrackedJob{
		ID: jobID, Kind: string(status.KindAI), UserID: userID,
		Prompt: prompt,
		State:  string(status.StatePending), Outcome: string(poller.OutcomePolling),
	})
	return s.StartTracking(jobID, status.KindAI, userID, cfg)
}

func (s *Service) persist(ctx context.Context, j *TrackedJob) {
	if s.repo == nil {
		return
	}
	if err := s.repo.CreateJob(ctx, j); err != nil {
		s.log.WithError(err).WithField("job_id", j.ID).Error("persist tracked job failed")
	}
}

// StartTracking returns a handle for jobID, starting a poller if none is
// running for it.
func (s *Service) StartTracking(jobID string, kind status.Kind, userID uint64, cfg TrackConfig) (*Handle, error) {
	if jobID == "" {
		return nil, &batch.ValidationError{Fields: []string{"job_id required"}, Err: errors.New("empty job id")}
	}
	f, err := s.fetchers.Get(kind)
	if err != nil {
		return nil, &batch.ValidationError{Fields: []string{"kind oneof"}, Err: err}
	}

	s.mu.Lock()
	t, ok := s.trackers[jobID]
	if !ok {
		t = newTracker(s, jobID, kind, userID)
		t.poller = poller.New(jobID, f, s.cache, s.pollerConfig(kind, cfg, t))
		s.trackers[jobID] = t
	}
	h := t.attach(cfg.Callbacks)
	started := t.ensureRunning()
	s.mu.Unlock()

	if started {
		t.markPolling()
	}
	return h, nil
}

// Tracking reports whether a poller is running for jobID.
func (s *Service) Tracking(jobID string) bool {
	s.mu.Lock()
	t, ok := s.trackers[jobID]
	s.mu.Unlock()
	return ok && t.poller.IsPolling()
}

// Status returns the cached status for jobID.
func (s *Service) Status(jobID string) (status.JobStatus, bool) {
	return s.cache.Get(jobID)
}

// Stop ends polling for jobID regardless of attached handles.
func (s *Service) Stop(jobID string) bool {
	s.mu.Lock()
	t, ok := s.trackers[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.poller.Stop()
	return true
}

// GetDownloadLink resolves the download for a completed order.
func (s *Service) GetDownloadLink(ctx context.Context, taskID string) (gateway.DownloadLink, error) {
	return s.gw.GetDownloadLink(ctx, taskID)
}

// TrackBatch resolves stock info for many items concurrently.
func (s *Service) TrackBatch(ctx context.Context, reqs []batch.StockRequest) *batch.Batch[batch.StockRequest, gateway.StockInfo] {
	return s.stock.Start(ctx, reqs)
}

// TrackJobs fetches the status of many jobs once each, writing results into
// the result cache.
func (s *Service) TrackJobs(ctx context.Context, reqs []batch.JobRequest) *batch.Batch[batch.JobRequest, status.JobStatus] {
	return s.jobs.Start(ctx, reqs)
}

func (s *Service) fetchJobForBatch(ctx context.Context, req batch.JobRequest) (status.JobStatus, error) {
	f, err := s.fetchers.Get(status.Kind(req.Kind))
	if err != nil {
		return status.JobStatus{}, err
	}
	st, err := f(ctx, req.JobID)
	if err != nil {
		return status.JobStatus{}, err
	}
	return s.cache.Set(req.JobID, st), nil
}

// ResumeActive restarts polling for persisted jobs that were still running
// when the process last stopped.
func (s *Service) ResumeActive(ctx context.Context, cfg TrackConfig) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	jobs, err := s.repo.ListActive(ctx, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		kind := status.Kind(j.Kind)
		if _, ok := s.cache.Get(j.ID); !ok {
			s.cache.Set(j.ID, status.JobStatus{
				JobID: j.ID, Kind: kind, State: status.State(j.State), Progress: j.Progress,
				Message: j.Message, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
			})
		}
		if _, err := s.StartTracking(j.ID, kind, j.UserID, cfg); err != nil {
			s.log.WithError(err).WithField("job_id", j.ID).Warn("resume tracking failed")
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) pollerConfig(kind status.Kind, cfg TrackConfig, t *tracker) poller.Config {
	d := s.defaults
	pc := poller.Config{
		Kind:                 kind,
		Policy:               cfg.Policy,
		MaxDuration:          cfg.MaxDuration,
		ContinueOnCompletion: boolOr(cfg.ContinueOnCompletion, d.ContinueOnCompletion),
		ContinueOnError:      boolOr(cfg.ContinueOnError, d.ContinueOnError),
		MaxRetries:           cfg.MaxRetries,
		Backoff:              cfg.Backoff,
		Log:                  s.log,

		OnStatusChange: t.onStatusChange,
		OnProgress:     t.onProgress,
		OnCompletion:   t.onCompletion,
		OnError:        t.onError,
		OnTimeout:      t.onTimeout,
	}
	if pc.Policy == nil {
		pc.Policy = d.Policy
	}
	if pc.Policy == nil {
		pc.Policy = poller.DefaultStateTable()
	}
	if pc.MaxDuration == 0 {
		pc.MaxDuration = d.MaxDuration
	}
	if pc.MaxRetries == 0 {
		pc.MaxRetries = d.MaxRetries
	}
	if pc.Backoff == (retry.Backoff{}) {
		pc.Backoff = d.Backoff
	}
	return pc
}

func boolOr(v, def *bool) bool {
	if v != nil {
		return *v
	}
	return def != nil && *def
}

// sessionEnded runs after every poll session of t.
func (s *Service) sessionEnded(t *tracker, outcome poller.Outcome, err error) {
	st, _ := s.cache.Get(t.jobID)
	fields := logrus.Fields{"job_id": t.jobID, "kind": t.kind, "outcome": outcome, "state": st.State}
	if !st.IsTerminal() {
		// nothing refreshes the record until the job is tracked again
		s.cache.Invalidate(t.jobID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDBTimeout)
	defer cancel()

	shutdown := s.ctx.Err() != nil
	if s.repo != nil {
		if err := s.repo.UpdateStatus(ctx, st); err != nil {
			s.log.WithError(err).WithFields(fields).Warn("persist final status failed")
		}
	}
	if s.repo != nil && !shutdown {
		if err := s.repo.MarkOutcome(ctx, t.jobID, string(outcome)); err != nil {
			s.log.WithError(err).WithFields(fields).Warn("persist outcome failed")
		}
	}
	if s.events != nil && !shutdown {
		msg := rabbitmq.EventMessage{
			JobID: t.jobID, Kind: string(t.kind), UserID: t.userID,
			State: string(st.State), Outcome: string(outcome), Progress: st.Progress,
			Message: st.Message, At: time.Now().UTC(),
		}
		if err != nil {
			msg.Error = err.Error()
		}
		if err := s.events.PublishEvent(ctx, msg); err != nil {
			s.log.WithError(err).WithFields(fields).Warn("publish job event failed")
		}
	}

	s.mu.Lock()
	if cur, ok := s.trackers[t.jobID]; ok && cur == t && !t.poller.IsPolling() {
		delete(s.trackers, t.jobID)
	}
	s.mu.Unlock()
}

func (s *Service) persistProgress(st status.JobStatus) {
	if s.repo == nil || s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, defaultDBTimeout)
	defer cancel()
	if err := s.repo.UpdateStatus(ctx, st); err != nil {
		s.log.WithError(err).WithField("job_id", st.JobID).Debug("persist status failed")
	}
}
