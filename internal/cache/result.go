package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/jobtracker/internal/status"
)

// Options configure a ResultCache.
type Options struct {
	// TerminalTTL is how long a terminal record stays readable after it was
	// written. Zero means 5 minutes.
	TerminalTTL time.Duration
	// JanitorInterval is how often expired entries are swept. Zero means
	// one minute; negative disables the janitor.
	JanitorInterval time.Duration

	Redis       *redis.Client
	RedisPrefix string
	Log         logrus.FieldLogger
}

type entry struct {
	value     status.JobStatus
	stale     bool
	expiresAt time.Time

	// seq numbers the writes of this entry; sent is the newest one handed
	// to subscribers. Guarded by notify.
	seq    uint64
	notify sync.Mutex
	sent   uint64
}

type subscription struct {
	id int64
	fn func(status.JobStatus)
}

// ResultCache is the writer-of-record for job statuses. Writers hand in
// full records; the cache merges them (terminal records are frozen) and
// notifies subscribers of the key synchronously. Subscribers of one key see
// records in write order; a record overtaken by a newer write before it was
// delivered is skipped. Subscribers must not write their own key.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	subs    map[string][]subscription
	nextSub int64

	ttl    time.Duration
	mirror *RedisStore[status.JobStatus]
	log    logrus.FieldLogger
	now    func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *ResultCache {
	ttl := opts.TerminalTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	interval := opts.JanitorInterval
	if interval == 0 {
		interval = time.Minute
	}
	prefix := opts.RedisPrefix
	if prefix == "" {
		prefix = "jobtracker:status:"
	}
	lg := opts.Log
	if lg == nil {
		lg = logrus.StandardLogger()
	}

	c := &ResultCache{
		entries: make(map[string]*entry),
		subs:    make(map[string][]subscription),
		ttl:     ttl,
		mirror:  NewRedisStore[status.JobStatus](opts.Redis, prefix),
		log:     lg,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if interval > 0 {
		go c.janitor(interval)
	} else {
		close(c.done)
	}
	return c
}

// Close stops the janitor and drops all subscribers. Safe to call twice.
func (c *ResultCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.mu.Lock()
		c.subs = make(map[string][]subscription)
		c.mu.Unlock()
	})
}

// Get returns the cached record. On a local miss the redis mirror (if any)
// is consulted for terminal records written by another process.
func (c *ResultCache) Get(key string) (status.JobStatus, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	if !c.mirror.Enabled() {
		return status.JobStatus{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	v, err := c.mirror.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.log.WithError(err).WithField("job_id", key).Warn("result cache mirror read failed")
		}
		return status.JobStatus{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.value, true
	}
	c.entries[key] = &entry{value: *v, expiresAt: c.now().Add(c.ttl)}
	return *v, true
}

// Set stores value under key and returns the record actually kept.
func (c *ResultCache) Set(key string, value status.JobStatus) status.JobStatus {
	stored, _ := c.SetIf(key, value, nil)
	return stored
}

// SetIf is Set guarded by valid, which is evaluated while the cache lock is
// held. A false guard leaves the cache untouched and reports false. Pollers
// use it to drop results of sessions that are no longer current.
func (c *ResultCache) SetIf(key string, value status.JobStatus, valid func() bool) (status.JobStatus, bool) {
	c.mu.Lock()
	if valid != nil && !valid() {
		c.mu.Unlock()
		return status.JobStatus{}, false
	}

	var prev *status.JobStatus
	e, ok := c.entries[key]
	if ok {
		prev = &e.value
	} else {
		e = &entry{}
		c.entries[key] = e
	}
	wasTerminal := prev != nil && prev.IsTerminal()
	if value.JobID == "" {
		value.JobID = key
	}
	stored := status.Merge(prev, value)
	e.value = stored
	e.stale = false
	becameTerminal := stored.IsTerminal() && !wasTerminal
	if becameTerminal {
		e.expiresAt = c.now().Add(c.ttl)
	}
	e.seq++
	seq := e.seq
	subs := append([]subscription(nil), c.subs[key]...)
	c.mu.Unlock()

	if becameTerminal && c.mirror.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.mirror.Set(ctx, key, &stored, c.ttl); err != nil {
			c.log.WithError(err).WithField("job_id", key).Warn("result cache mirror write failed")
		}
		cancel()
	}

	e.notify.Lock()
	if seq > e.sent {
		e.sent = seq
		for _, s := range subs {
			s.fn(stored)
		}
	}
	e.notify.Unlock()
	return stored, true
}

// Seed writes the optimistic pending record for a freshly created job. An
// existing record is left alone.
func (c *ResultCache) Seed(jobID string, kind status.Kind) status.JobStatus {
	c.mu.Lock()
	if e, ok := c.entries[jobID]; ok {
		v := e.value
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()
	return c.Set(jobID, status.Pending(jobID, kind, c.now().UTC()))
}

// Subscribe registers fn for every subsequent Set on key.
func (c *ResultCache) Subscribe(key string, fn func(status.JobStatus)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[key] = append(c.subs[key], subscription{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.subs[key]
			for i, s := range list {
				if s.id == id {
					list = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(c.subs, key)
			} else {
				c.subs[key] = list
			}
		})
	}
}

// Invalidate marks key stale without dropping it; readers still see the
// last record until the next Set. Nothing refreshes a stale record on its
// own: readers check IsStale and trigger a fetch.
func (c *ResultCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.stale = true
	}
}

func (c *ResultCache) IsStale(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return !ok || e.stale
}

func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops terminal entries whose retention elapsed and returns how many
// were removed.
func (c *ResultCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.value.IsTerminal() && !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *ResultCache) janitor(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.WithField("removed", n).Debug("result cache sweep")
			}
		}
	}
}
