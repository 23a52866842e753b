package batch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/suPer8Hu/jobtracker/internal/cache"
	"github.com/suPer8Hu/jobtracker/internal/gateway"
	"github.com/suPer8Hu/jobtracker/internal/retry"
)

// FetchFunc resolves one request. It must perform a single attempt; the
// orchestrator owns retries.
type FetchFunc[R Keyed, T any] func(ctx context.Context, req R) (T, error)

// Config tunes per-entry retry behaviour.
type Config struct {
	// MaxRetries caps automatic retries per entry. Zero means 3; negative
	// disables retries.
	MaxRetries int
	Backoff    retry.Backoff
	// FetchTimeout bounds one attempt. Zero means 30s.
	FetchTimeout time.Duration
	// Fresh is how long a resolved value is served without refetching.
	// Zero keeps values until invalidated.
	Fresh time.Duration

	// IsRetryable overrides gateway.IsRetryable.
	IsRetryable func(error) bool

	Log logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 500 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 10 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.IsRetryable == nil {
		c.IsRetryable = gateway.IsRetryable
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return c
}

// Orchestrator runs many independent fetches concurrently. Requests with the
// same key share one in-flight fetch (across batches too) and a resolved
// value is reused while fresh.
type Orchestrator[R Keyed, T any] struct {
	fetch FetchFunc[R, T]
	store *cache.Store[T]
	group singleflight.Group
	cfg   Config
}

func New[R Keyed, T any](fetch FetchFunc[R, T], cfg Config) *Orchestrator[R, T] {
	cfg = cfg.withDefaults()
	return &Orchestrator[R, T]{
		fetch: fetch,
		store: cache.NewStore[T](cfg.Fresh),
		cfg:   cfg,
	}
}

// Store exposes the value cache backing the orchestrator.
func (o *Orchestrator[R, T]) Store() *cache.Store[T] { return o.store }

// Run starts a batch and waits until every entry settled.
func (o *Orchestrator[R, T]) Run(ctx context.Context, reqs []R) *Batch[R, T] {
	b := o.Start(ctx, reqs)
	b.Wait()
	return b
}

// Start validates reqs and launches one fetch per distinct valid key. It
// returns immediately; use Wait or poll Results for progress.
func (o *Orchestrator[R, T]) Start(ctx context.Context, reqs []R) *Batch[R, T] {
	b := &Batch[R, T]{
		o:       o,
		slots:   make([]slot[R], len(reqs)),
		entries: make(map[string]*Entry[T]),
		order:   nil,
	}
	for i, req := range reqs {
		s := slot[R]{input: req}
		if err := Validate(req); err != nil {
			s.invalid = err
			b.slots[i] = s
			continue
		}
		s.key = req.Key()
		b.slots[i] = s
		if _, ok := b.entries[s.key]; !ok {
			b.entries[s.key] = &Entry[T]{Key: s.key, Status: StatusIdle}
			b.order = append(b.order, i)
		}
	}
	b.launch(ctx, false)
	return b
}

// resolve settles one entry: a fresh cached value, or a fetch with
// exponential backoff and jitter for transient errors.
func (o *Orchestrator[R, T]) resolve(ctx context.Context, b *Batch[R, T], e *Entry[T], req R, force bool) {
	if !force {
		if v, fresh, ok := o.store.Get(e.Key); ok && fresh {
			b.update(e, func(e *Entry[T]) {
				e.Status = StatusSuccess
				e.Data = v
				e.LastError = nil
				e.RetryCount = 0
				e.PermanentlyFailed = false
				e.Stale = false
			})
			return
		}
	}

	var maxRetries int
	b.update(e, func(e *Entry[T]) {
		e.Status = StatusLoading
		// Permanently failed entries only get the explicit attempt.
		if !e.PermanentlyFailed {
			e.RetryCount = 0
			maxRetries = o.cfg.MaxRetries
		}
	})

	for attempt := 0; ; attempt++ {
		v, err := o.do(ctx, req)
		if err == nil {
			o.store.Set(e.Key, v)
			b.update(e, func(e *Entry[T]) {
				e.Status = StatusSuccess
				e.Data = v
				e.LastError = nil
				e.RetryCount = 0
				e.PermanentlyFailed = false
				e.Stale = false
			})
			return
		}

		retryable := o.cfg.IsRetryable(err) && ctx.Err() == nil
		if !retryable || attempt >= maxRetries {
			b.update(e, func(e *Entry[T]) {
				e.Status = StatusError
				e.LastError = err
				e.PermanentlyFailed = true
			})
			o.cfg.Log.WithError(err).WithFields(logrus.Fields{"key": e.Key, "retries": attempt}).Warn("batch entry failed")
			return
		}

		b.update(e, func(e *Entry[T]) {
			e.LastError = err
			e.RetryCount++
		})
		if !retry.Sleep(ctx, o.cfg.Backoff.Delay(attempt)) {
			b.update(e, func(e *Entry[T]) {
				e.Status = StatusError
				e.LastError = ctx.Err()
			})
			return
		}
	}
}

// do runs one attempt, sharing it with any concurrent caller for the same
// key. The shared call is detached from the caller's cancellation so one
// caller giving up does not fail the others.
func (o *Orchestrator[R, T]) do(ctx context.Context, req R) (T, error) {
	ch := o.group.DoChan(req.Key(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FetchTimeout)
		defer cancel()
		return o.fetch(fctx, req)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// EntryStatus is the fetch state of one batch entry.
type EntryStatus string

const (
	StatusIdle    EntryStatus = "idle"
	StatusLoading EntryStatus = "loading"
	StatusSuccess EntryStatus = "success"
	StatusError   EntryStatus = "error"
)

// Entry is the per-key state owned by a batch.
type Entry[T any] struct {
	Key               string
	Status            EntryStatus
	Data              T
	LastError         error
	RetryCount        int
	PermanentlyFailed bool
	Stale             bool
}

type slot[R Keyed] struct {
	input   R
	key     string
	invalid error
}

// Item is one result, positionally aligned with the batch input.
type Item[R Keyed, T any] struct {
	Input      R
	Key        string
	Data       T
	Err        error
	IsLoading  bool
	IsSuccess  bool
	RetryCount int
}

// Stats summarises a batch for bulk progress displays. Counts are per input,
// so duplicates count once each; invalid inputs count as errors.
type Stats struct {
	Total    int `json:"total"`
	Valid    int `json:"valid"`
	Success  int `json:"success"`
	Error    int `json:"error"`
	InFlight int `json:"in_flight"`
}

// Batch is one batch call. Entries live as long as the batch; resolved
// values stay in the orchestrator's store afterwards.
type Batch[R Keyed, T any] struct {
	o   *Orchestrator[R, T]
	ctx context.Context

	slots []slot[R]
	// order holds the first input index of each distinct key, in input order.
	order []int

	mu      sync.Mutex
	entries map[string]*Entry[T]
	// round tracks the fetches of the latest launch. Each launch gets its
	// own group so Wait never races a following Add.
	round   *sync.WaitGroup

	refetch sync.Mutex
}

// launch starts one resolve per distinct key and returns their group.
func (b *Batch[R, T]) launch(ctx context.Context, force bool) *sync.WaitGroup {
	wg := new(sync.WaitGroup)
	wg.Add(len(b.order))
	b.mu.Lock()
	b.ctx = ctx
	b.round = wg
	b.mu.Unlock()

	for _, i := range b.order {
		s := b.slots[i]
		e := b.entries[s.key]
		go func(req R) {
			defer wg.Done()
			b.o.resolve(ctx, b, e, req, force)
		}(s.input)
	}
	return wg
}

func (b *Batch[R, T]) update(e *Entry[T], fn func(*Entry[T])) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(e)
}

// Wait blocks until every launched fetch has settled.
func (b *Batch[R, T]) Wait() {
	b.mu.Lock()
	wg := b.round
	b.mu.Unlock()
	if wg != nil {
		wg.Wait()
	}
}

// Results returns one item per input, in input order.
func (b *Batch[R, T]) Results() []Item[R, T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Item[R, T], len(b.slots))
	for i, s := range b.slots {
		it := Item[R, T]{Input: s.input, Key: s.key}
		if s.invalid != nil {
			it.Err = s.invalid
			out[i] = it
			continue
		}
		e := b.entries[s.key]
		it.Data = e.Data
		it.RetryCount = e.RetryCount
		switch e.Status {
		case StatusIdle, StatusLoading:
			it.IsLoading = true
		case StatusSuccess:
			it.IsSuccess = true
		case StatusError:
			it.Err = e.LastError
		}
		out[i] = it
	}
	return out
}

// Entries returns a snapshot of the per-key entries.
func (b *Batch[R, T]) Entries() map[string]Entry[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Entry[T], len(b.entries))
	for k, e := range b.entries {
		out[k] = *e
	}
	return out
}

func (b *Batch[R, T]) Stats() Stats {
	var st Stats
	for _, it := range b.Results() {
		st.Total++
		if it.Key != "" {
			st.Valid++
		}
		switch {
		case it.IsSuccess:
			st.Success++
		case it.IsLoading:
			st.InFlight++
		case it.Err != nil:
			st.Error++
		}
	}
	return st
}

// RefetchAll re-issues one request per valid entry regardless of freshness
// and waits for all of them. A failing entry never aborts the others; the
// returned slice holds each input's error, nil on success. Overlapping
// calls run one after the other.
func (b *Batch[R, T]) RefetchAll(ctx context.Context) []error {
	b.refetch.Lock()
	defer b.refetch.Unlock()

	b.Wait()
	if ctx == nil {
		b.mu.Lock()
		ctx = b.ctx
		b.mu.Unlock()
	}
	b.launch(ctx, true).Wait()

	results := b.Results()
	errs := make([]error, len(results))
	for i, it := range results {
		errs[i] = it.Err
	}
	return errs
}

// InvalidateAll marks every valid entry stale without fetching. The next
// batch (or RefetchAll) for these keys goes to the network.
func (b *Batch[R, T]) InvalidateAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.entries {
		b.o.store.Invalidate(key)
		e.Stale = true
	}
}
