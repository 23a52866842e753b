package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/suPer8Hu/jobtracker/internal/gateway"
	"github.com/suPer8Hu/jobtracker/internal/retry"
)

type stockFake struct {
	calls   atomic.Int64
	perKey  sync.Map
	failFor string
	delay   time.Duration
}

func (f *stockFake) fetch(ctx context.Context, req StockRequest) (string, error) {
	f.calls.Add(1)
	n, _ := f.perKey.LoadOrStore(req.Key(), new(atomic.Int64))
	n.(*atomic.Int64).Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if req.StockID == f.failFor {
		return "", &gateway.HTTPError{Op: "getStockInfo", StatusCode: 503}
	}
	return "info-" + req.StockID, nil
}

func (f *stockFake) callsFor(key string) int64 {
	n, ok := f.perKey.Load(key)
	if !ok {
		return 0
	}
	return n.(*atomic.Int64).Load()
}

func testConfig() Config {
	return Config{
		MaxRetries: 2,
		Backoff:    retry.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Jitter: true},
	}
}

func TestRun_DeduplicatesByKey(t *testing.T) {
	f := &stockFake{}
	o := New[StockRequest, string](f.fetch, testConfig())

	reqs := []StockRequest{
		{SiteID: "shutter", StockID: "1"},
		{SiteID: "shutter", StockID: "2"},
		{SiteID: "shutter", StockID: "3"},
		{SiteID: "shutter", StockID: "2"},
		{SiteID: "adobe", StockID: "2"},
	}
	b := o.Run(context.Background(), reqs)

	if got := f.calls.Load(); got != 4 {
		t.Fatalf("expected 4 distinct fetches, got %d", got)
	}
	res := b.Results()
	if len(res) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(res))
	}
	for i, it := range res {
		if it.Input != reqs[i] {
			t.Fatalf("result %d out of order: %+v", i, it.Input)
		}
		if !it.IsSuccess || it.Data != "info-"+reqs[i].StockID {
			t.Fatalf("unexpected item %d: %+v", i, it)
		}
	}
	if res[1].Data != res[3].Data {
		t.Fatalf("duplicates resolved differently")
	}
}

func TestRun_InvalidInputsGetSyntheticErrors(t *testing.T) {
	f := &stockFake{}
	o := New[StockRequest, string](f.fetch, testConfig())

	b := o.Run(context.Background(), []StockRequest{
		{SiteID: "shutter", StockID: "1"},
		{SiteID: "", StockID: "2"},
		{SiteID: "shutter", StockID: ""},
	})

	if got := f.calls.Load(); got != 1 {
		t.Fatalf("invalid inputs must not be fetched, got %d calls", got)
	}
	res := b.Results()
	var verr *ValidationError
	if !errors.As(res[1].Err, &verr) || !errors.As(res[2].Err, &verr) {
		t.Fatalf("expected validation errors, got %v / %v", res[1].Err, res[2].Err)
	}
	st := b.Stats()
	if st != (Stats{Total: 3, Valid: 1, Success: 1, Error: 2}) {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestRefetchAll_IsolatesFailures(t *testing.T) {
	f := &stockFake{failFor: "3"}
	o := New[StockRequest, string](f.fetch, testConfig())

	reqs := make([]StockRequest, 0, 5)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		reqs = append(reqs, StockRequest{SiteID: "s", StockID: id})
	}
	b := o.Run(context.Background(), reqs)

	errs := b.RefetchAll(context.Background())
	if len(errs) != 5 {
		t.Fatalf("expected 5 settled results, got %d", len(errs))
	}
	for i, err := range errs {
		if i == 2 {
			if gateway.StatusCode(err) != 503 {
				t.Fatalf("expected entry 2 to fail with 503, got %v", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("entry %d failed: %v", i, err)
		}
	}
	st := b.Stats()
	if st.Success != 4 || st.Error != 1 || st.InFlight != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	e := b.Entries()[reqs[2].Key()]
	if !e.PermanentlyFailed {
		t.Fatalf("failing entry should be permanently failed")
	}
	// 1 + 2 retries on the first run, a single explicit attempt on refetch.
	if got := f.callsFor(reqs[2].Key()); got != 4 {
		t.Fatalf("expected 4 attempts for failing entry, got %d", got)
	}
	// Refetch ignores freshness.
	if got := f.callsFor(reqs[0].Key()); got != 2 {
		t.Fatalf("expected refetch to hit the network, got %d calls", got)
	}
}

func TestRefetchAll_OverlappingCallsRunInTurn(t *testing.T) {
	f := &stockFake{delay: 5 * time.Millisecond}
	o := New[StockRequest, string](f.fetch, testConfig())
	reqs := []StockRequest{{SiteID: "s", StockID: "1"}, {SiteID: "s", StockID: "2"}}
	b := o.Start(context.Background(), reqs)

	const clicks = 8
	var wg sync.WaitGroup
	for i := 0; i < clicks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, err := range b.RefetchAll(context.Background()) {
				if err != nil {
					t.Errorf("refetch failed: %v", err)
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Wait()
			_ = b.Stats()
		}()
	}
	wg.Wait()
	b.Wait()

	// One initial fetch plus one per refetch, for each key.
	for _, r := range reqs {
		if got := f.callsFor(r.Key()); got != clicks+1 {
			t.Fatalf("expected %d fetches for %s, got %d", clicks+1, r.Key(), got)
		}
	}
	if st := b.Stats(); st.Success != 2 || st.InFlight != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestRun_ConcurrentBatchesShareInFlightFetch(t *testing.T) {
	f := &stockFake{delay: 50 * time.Millisecond}
	o := New[StockRequest, string](f.fetch, testConfig())
	req := []StockRequest{{SiteID: "s", StockID: "42"}}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := o.Run(context.Background(), req)
			if !b.Results()[0].IsSuccess {
				t.Errorf("expected success")
			}
		}()
	}
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Fatalf("expected one shared fetch, got %d", got)
	}
}

func TestInvalidateAll_ForcesNextFetch(t *testing.T) {
	f := &stockFake{}
	o := New[StockRequest, string](f.fetch, testConfig())
	req := []StockRequest{{SiteID: "s", StockID: "7"}}

	b := o.Run(context.Background(), req)
	o.Run(context.Background(), req)
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("fresh value should be reused, got %d calls", got)
	}

	b.InvalidateAll()
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("invalidate must not fetch, got %d calls", got)
	}
	o.Run(context.Background(), req)
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", got)
	}
}

func TestStart_ReportsLoadingWhileInFlight(t *testing.T) {
	f := &stockFake{delay: 50 * time.Millisecond}
	o := New[StockRequest, string](f.fetch, testConfig())

	b := o.Start(context.Background(), []StockRequest{{SiteID: "s", StockID: "1"}})
	if st := b.Stats(); st.InFlight != 1 {
		t.Fatalf("expected one in-flight entry, got %+v", st)
	}
	b.Wait()
	if st := b.Stats(); st.Success != 1 || st.InFlight != 0 {
		t.Fatalf("unexpected stats after wait %+v", st)
	}
}
