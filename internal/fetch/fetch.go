package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/suPer8Hu/jobtracker/internal/gateway"
	"github.com/suPer8Hu/jobtracker/internal/status"
)

// Fetcher issues one status request for one job and returns the normalized
// record. It never retries and never touches shared state.
type Fetcher func(ctx context.Context, jobID string) (status.JobStatus, error)

// StatusGateway is the subset of the gateway client the fetchers need.
type StatusGateway interface {
	GetOrderStatus(ctx context.Context, taskID string) (gateway.StatusDoc, error)
	GetAIJobStatus(ctx context.Context, jobID string) (gateway.StatusDoc, error)
}

// Order fetches stock-order status.
func Order(gw StatusGateway) Fetcher {
	return func(ctx context.Context, jobID string) (status.JobStatus, error) {
		doc, err := gw.GetOrderStatus(ctx, jobID)
		if err != nil {
			return status.JobStatus{}, err
		}
		return FromDoc("getOrderStatus", jobID, status.KindOrder, doc, time.Now().UTC())
	}
}

// AI fetches AI generation job status.
func AI(gw StatusGateway) Fetcher {
	return func(ctx context.Context, jobID string) (status.JobStatus, error) {
		doc, err := gw.GetAIJobStatus(ctx, jobID)
		if err != nil {
			return status.JobStatus{}, err
		}
		return FromDoc("getAIJobStatus", jobID, status.KindAI, doc, time.Now().UTC())
	}
}

// FromDoc converts a gateway status document into a canonical record.
func FromDoc(op, jobID string, kind status.Kind, doc gateway.StatusDoc, now time.Time) (status.JobStatus, error) {
	if strings.TrimSpace(doc.Status) == "" {
		return status.JobStatus{}, &gateway.MalformedResponseError{Op: op, Reason: "missing status"}
	}

	st, unknown := status.TableFor(kind).Normalize(doc.Status)
	msg := doc.Message
	if unknown != "" {
		if msg != "" {
			msg = unknown + ": " + msg
		} else {
			msg = unknown
		}
	}

	out := status.JobStatus{
		JobID:     jobID,
		Kind:      kind,
		State:     st,
		Message:   msg,
		Metadata:  doc.Metadata,
		UpdatedAt: now,
	}
	if doc.Progress != nil {
		out.Progress = *doc.Progress
	}
	// Result only travels with a successful terminal state.
	if st == status.StateCompleted {
		out.Result = doc.Result
	}
	return out, nil
}

// Registry maps job kinds to fetchers. Fetchers returned by Get share
// in-flight requests per job: pollers and batches asking for the same job at
// the same time cause one network call.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[status.Kind]Fetcher
	flight   singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[status.Kind]Fetcher)}
}

// NewGatewayRegistry registers the order and AI fetchers for gw.
func NewGatewayRegistry(gw StatusGateway) *Registry {
	r := NewRegistry()
	r.Register(status.KindOrder, Order(gw))
	r.Register(status.KindAI, AI(gw))
	return r
}

func (r *Registry) Register(kind status.Kind, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[kind] = f
}

func (r *Registry) Get(kind status.Kind) (Fetcher, error) {
	r.mu.RLock()
	f, ok := r.fetchers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown job kind: %s", kind)
	}
	return r.shared(kind, f), nil
}

// shared runs f at most once at a time per job. The shared call keeps the
// first caller's deadline but not its cancellation, so a stopped poller does
// not fail a batch waiting on the same request.
func (r *Registry) shared(kind status.Kind, f Fetcher) Fetcher {
	return func(ctx context.Context, jobID string) (status.JobStatus, error) {
		ch := r.flight.DoChan(string(kind)+":"+jobID, func() (any, error) {
			fctx := context.WithoutCancel(ctx)
			if dl, ok := ctx.Deadline(); ok {
				var cancel context.CancelFunc
				fctx, cancel = context.WithDeadline(fctx, dl)
				defer cancel()
			}
			return f(fctx, jobID)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return status.JobStatus{}, res.Err
			}
			return res.Val.(status.JobStatus), nil
		case <-ctx.Done():
			return status.JobStatus{}, ctx.Err()
		}
	}
}
