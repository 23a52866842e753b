package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/jobtracker/internal/cache"
	"github.com/suPer8Hu/jobtracker/internal/config"
	"github.com/suPer8Hu/jobtracker/internal/gateway"
	"github.com/suPer8Hu/jobtracker/internal/httpapi/handlers"
	"github.com/suPer8Hu/jobtracker/internal/httpapi/middleware"
	"github.com/suPer8Hu/jobtracker/internal/poller"
	"github.com/suPer8Hu/jobtracker/internal/retry"
	"github.com/suPer8Hu/jobtracker/internal/tracking"
)

const testSecret = "test-secret"

// upstream fakes the remote job gateway.
type upstream struct {
	mu   sync.Mutex
	hits map[string]int
}

func (u *upstream) hit(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hits[path]++
	return u.hits[path]
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := u.hit(r.Method + " " + r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/orders":
		_, _ = w.Write([]byte(`{"taskId":"task-1"}`))
	case r.URL.Path == "/orders/task-1/status":
		if n < 2 {
			_, _ = w.Write([]byte(`{"status":"processing","progress":50}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	case r.URL.Path == "/orders/task-1/download":
		_, _ = w.Write([]byte(`{"url":"https://cdn.example/task-1.jpg","filename":"task-1.jpg","size":1024}`))
	case r.Method == http.MethodPost && r.URL.Path == "/ai/jobs":
		_, _ = w.Write([]byte(`{"jobId":"ai-1"}`))
	case r.URL.Path == "/ai/jobs/ai-1":
		if n < 3 {
			_, _ = w.Write([]byte(`{"data":{"state":"running","percent":` + strconv.Itoa(n*30) + `}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"succeeded","result":{"images":["a.png"]}}`))
	case strings.HasPrefix(r.URL.Path, "/stock/"):
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/stock/"), "/")
		_, _ = w.Write([]byte(`{"siteId":"` + parts[0] + `","stockId":"` + parts[1] + `","title":"photo ` + parts[1] + `"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}
}

type testEnv struct {
	router *gin.Engine
	up     *upstream
	repo   *tracking.Repo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	up := &upstream{hits: make(map[string]int)}
	gwSrv := httptest.NewServer(up)
	t.Cleanup(gwSrv.Close)

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	repo := tracking.NewRepo(gdb)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	gw := gateway.NewClient(gwSrv.URL, "gw-token", 2*time.Second, gateway.BreakerSettings{})
	gw.Log = log
	rc := cache.New(cache.Options{JanitorInterval: -1, Log: log})
	track := tracking.TrackConfig{
		Policy:      poller.Fixed(5 * time.Millisecond),
		MaxDuration: 5 * time.Second,
		Backoff:     retry.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}
	svc := tracking.NewService(tracking.Options{Gateway: gw, Cache: rc, Repo: repo, Defaults: track, Log: log})
	t.Cleanup(func() {
		svc.Close()
		rc.Close()
	})

	h := handlers.NewHandler(svc, repo, tracking.TrackConfig{}, log)
	r := NewRouter(config.Config{JWTSecret: testSecret}, h, log)
	return &testEnv{router: r, up: up, repo: repo}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, uid uint64, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if uid != 0 {
		tok, err := middleware.SignToken(testSecret, uid, time.Minute)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
	return w, env
}

type jobResp struct {
	JobID    string `json:"job_id"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
	Outcome  string `json:"outcome"`
}

func TestPing(t *testing.T) {
	e := newTestEnv(t)
	w, env := e.do(t, 0, http.MethodGet, "/ping", nil)
	if w.Code != http.StatusOK || env.Code != 0 {
		t.Fatalf("ping: %d %+v", w.Code, env)
	}
}

func TestCreateOrder_RequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	w, env := e.do(t, 0, http.MethodPost, "/orders", map[string]string{"site_id": "s", "stock_id": "1"})
	if w.Code != http.StatusUnauthorized || env.Code != 40100 {
		t.Fatalf("expected 401, got %d %+v", w.Code, env)
	}
}

func TestOrderLifecycle(t *testing.T) {
	e := newTestEnv(t)

	w, env := e.do(t, 1, http.MethodPost, "/orders", map[string]string{"site_id": "shutter", "stock_id": "1"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created jobResp
	_ = json.Unmarshal(env.Data, &created)
	if created.JobID != "task-1" || created.State != "pending" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	// not ready yet or ready; keep polling the API until completed
	deadline := time.Now().Add(5 * time.Second)
	var got jobResp
	for {
		w, env = e.do(t, 1, http.MethodGet, "/jobs/order/task-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("get: %d %s", w.Code, w.Body.String())
		}
		_ = json.Unmarshal(env.Data, &got)
		if got.State == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order never completed: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got.Progress != 100 {
		t.Fatalf("completed order progress = %d", got.Progress)
	}

	w, env = e.do(t, 1, http.MethodGet, "/orders/task-1/download", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download: %d %s", w.Code, w.Body.String())
	}
	var link gateway.DownloadLink
	_ = json.Unmarshal(env.Data, &link)
	if link.URL != "https://cdn.example/task-1.jpg" {
		t.Fatalf("unexpected link: %+v", link)
	}

	// another user cannot see the job
	w, _ = e.do(t, 2, http.MethodGet, "/jobs/order/task-1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other user, got %d", w.Code)
	}
}

func TestGetJob_UnknownJob(t *testing.T) {
	e := newTestEnv(t)
	w, env := e.do(t, 1, http.MethodGet, "/jobs/order/nope", nil)
	if w.Code != http.StatusNotFound || env.Code != 40402 {
		t.Fatalf("expected 404, got %d %+v", w.Code, env)
	}
	w, _ = e.do(t, 1, http.MethodGet, "/jobs/video/x", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad kind, got %d", w.Code)
	}
}

func TestStreamJob_EmitsStatusUntilDone(t *testing.T) {
	e := newTestEnv(t)

	w, _ := e.do(t, 1, http.MethodPost, "/ai/jobs", map[string]any{"prompt": "a lighthouse", "width": 512})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	w, _ = e.do(t, 1, http.MethodGet, "/jobs/ai/ai-1/events", nil)
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: status") || !strings.Contains(body, "event: done") {
		t.Fatalf("unexpected stream: %s", body)
	}
	if !strings.Contains(body, `"state":"completed"`) || !strings.Contains(body, `a.png`) {
		t.Fatalf("done event missing result: %s", body)
	}
}

func TestBatchStockInfo_DeduplicatesUpstreamCalls(t *testing.T) {
	e := newTestEnv(t)

	items := []map[string]string{
		{"site_id": "shutter", "stock_id": "1"},
		{"site_id": "shutter", "stock_id": "1"},
		{"site_id": "adobe", "stock_id": "2"},
		{"site_id": "", "stock_id": "3"},
	}
	w, env := e.do(t, 1, http.MethodPost, "/batch/stock-info", map[string]any{"items": items})
	if w.Code != http.StatusOK {
		t.Fatalf("batch: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		Items []struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		} `json:"items"`
		Stats struct {
			Total   int `json:"total"`
			Success int `json:"success"`
			Error   int `json:"error"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Stats.Total != 4 || out.Stats.Success != 3 || out.Stats.Error != 1 {
		t.Fatalf("unexpected stats: %+v", out.Stats)
	}
	if out.Items[3].Error == "" {
		t.Fatalf("invalid item should carry an error")
	}
	if n := e.up.count("GET /stock/shutter/1"); n != 1 {
		t.Fatalf("duplicate items should share one upstream call, got %d", n)
	}
}

func TestBatchJobs_HidesOtherUsersJobs(t *testing.T) {
	e := newTestEnv(t)
	w, _ := e.do(t, 1, http.MethodPost, "/orders", map[string]string{"site_id": "shutter", "stock_id": "1"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	items := []map[string]string{
		{"kind": "order", "job_id": "task-1"},
		{"kind": "order", "job_id": "nope"},
		{"kind": "video", "job_id": "x"},
	}
	type batchOut struct {
		Items []struct {
			Key     string          `json:"key"`
			Success bool            `json:"success"`
			Error   string          `json:"error"`
			Data    json.RawMessage `json:"data"`
		} `json:"items"`
		Stats struct {
			Total   int `json:"total"`
			Success int `json:"success"`
			Error   int `json:"error"`
		} `json:"stats"`
	}

	w, env := e.do(t, 2, http.MethodPost, "/batch/jobs", map[string]any{"items": items})
	if w.Code != http.StatusOK {
		t.Fatalf("batch: %d %s", w.Code, w.Body.String())
	}
	var other batchOut
	if err := json.Unmarshal(env.Data, &other); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(other.Items) != 3 {
		t.Fatalf("expected one item per input, got %d", len(other.Items))
	}
	if it := other.Items[0]; it.Success || it.Error != "job not found" || len(it.Data) != 0 || it.Key != "order:task-1" {
		t.Fatalf("foreign job leaked: %+v", it)
	}
	if other.Items[1].Error != "job not found" {
		t.Fatalf("unknown job: %+v", other.Items[1])
	}
	if !strings.HasPrefix(other.Items[2].Error, "invalid request") {
		t.Fatalf("invalid item should keep its validation error: %+v", other.Items[2])
	}
	if other.Stats.Total != 3 || other.Stats.Success != 0 || other.Stats.Error != 3 {
		t.Fatalf("unexpected stats: %+v", other.Stats)
	}

	w, env = e.do(t, 1, http.MethodPost, "/batch/jobs", map[string]any{"items": items[:1]})
	if w.Code != http.StatusOK {
		t.Fatalf("owner batch: %d %s", w.Code, w.Body.String())
	}
	var own batchOut
	_ = json.Unmarshal(env.Data, &own)
	if len(own.Items) != 1 || !own.Items[0].Success {
		t.Fatalf("owner should see the job: %s", env.Data)
	}
}

func TestStopJob(t *testing.T) {
	e := newTestEnv(t)
	w, _ := e.do(t, 1, http.MethodPost, "/ai/jobs", map[string]any{"prompt": "x"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d", w.Code)
	}
	w, env := e.do(t, 1, http.MethodPost, "/jobs/ai/ai-1/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	_ = json.Unmarshal(env.Data, &out)
	if out.JobID != "ai-1" {
		t.Fatalf("unexpected stop response: %s", env.Data)
	}
}
