package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/suPer8Hu/jobtracker/internal/batch"
	"github.com/suPer8Hu/jobtracker/internal/common"
	"github.com/suPer8Hu/jobtracker/internal/gateway"
	"github.com/suPer8Hu/jobtracker/internal/httpapi/middleware"
	"github.com/suPer8Hu/jobtracker/internal/poller"
	"github.com/suPer8Hu/jobtracker/internal/status"
)

const maxBatchItems = 100

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// failErr maps service errors onto the response envelope.
func (h *Handler) failErr(c *gin.Context, op string, err error) {
	var (
		ve *batch.ValidationError
		he *gateway.HTTPError
		ne *gateway.NetworkError
		me *gateway.MalformedResponseError
	)
	switch {
	case errors.As(err, &ve):
		common.Fail(c, http.StatusBadRequest, 10002, ve.Error())
	case errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500:
		common.Fail(c, http.StatusBadRequest, 40001, fmt.Sprintf("gateway rejected request (%d)", he.StatusCode))
	case errors.As(err, &he), errors.As(err, &ne):
		h.Log.WithError(err).WithField("op", op).Warn("gateway unavailable")
		common.Fail(c, http.StatusBadGateway, 50201, "gateway unavailable")
	case errors.As(err, &me):
		h.Log.WithError(err).WithField("op", op).Error("gateway contract violation")
		common.Fail(c, http.StatusBadGateway, 50202, "gateway returned malformed response")
	default:
		h.Log.WithError(err).WithField("op", op).Error("request failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func jobView(st status.JobStatus, outcome poller.Outcome) gin.H {
	return gin.H{
		"job_id":     st.JobID,
		"kind":       st.Kind,
		"state":      st.State,
		"progress":   st.Progress,
		"message":    st.Message,
		"metadata":   st.Metadata,
		"result":     st.Result,
		"outcome":    outcome,
		"created_at": st.CreatedAt,
		"updated_at": st.UpdatedAt,
	}
}

type createOrderReq struct {
	SiteID  string `json:"site_id" binding:"required"`
	StockID string `json:"stock_id" binding:"required"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	uid, okk := middleware.UserID(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	hd, err := h.Svc.CreateOrder(c.Request.Context(), uid, req.SiteID, req.StockID, h.Track)
	if err != nil {
		h.failErr(c, "createOrder", err)
		return
	}
	st, _ := hd.Status()
	common.OK(c, jobView(st, hd.Outcome()))
}

type createAIJobReq struct {
	Prompt         string `json:"prompt" binding:"required"`
	Model          string `json:"model"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Count          int    `json:"count"`
	NegativePrompt string `json:"negative_prompt"`
	Style          string `json:"style"`
}

func (h *Handler) CreateAIJob(c *gin.Context) {
	uid, okk := middleware.UserID(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req createAIJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	opts := gateway.AIJobOptions{
		Model:          req.Model,
		Width:          req.Width,
		Height:         req.Height,
		Count:          req.Count,
		NegativePrompt: req.NegativePrompt,
		Style:          req.Style,
	}
	hd, err := h.Svc.CreateAIJob(c.Request.Context(), uid, req.Prompt, opts, h.Track)
	if err != nil {
		h.failErr(c, "createAIJob", err)
		return
	}
	st, _ := hd.Status()
	common.OK(c, jobView(st, hd.Outcome()))
}

// jobParams reads :kind and :job_id and checks the caller may see the job.
// Without a repository every job id is visible.
func (h *Handler) jobParams(c *gin.Context) (status.Kind, string, uint64, bool) {
	uid, okk := middleware.UserID(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return "", "", 0, false
	}
	kind := status.Kind(c.Param("kind"))
	jobID := c.Param("job_id")
	if err := batch.Validate(batch.JobRequest{Kind: string(kind), JobID: jobID}); err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		return "", "", 0, false
	}
	if h.Repo == nil {
		return kind, jobID, uid, true
	}

	j, err := h.Repo.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return "", "", 0, false
		}
		h.Log.WithError(err).WithField("job_id", jobID).Error("load job failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return "", "", 0, false
	}
	if j.UserID != uid || status.Kind(j.Kind) != kind {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return "", "", 0, false
	}
	return kind, jobID, uid, true
}

// GetJob returns the cached status, starting a poller when the job is not
// cached yet or its record went stale.
func (h *Handler) GetJob(c *gin.Context) {
	kind, jobID, uid, okk := h.jobParams(c)
	if !okk {
		return
	}

	// A stale record is refreshed by tracking the job again.
	if st, ok := h.Svc.Status(jobID); ok && (st.IsTerminal() || !h.Svc.Cache().IsStale(jobID)) {
		outcome := poller.OutcomeIdle
		if h.Svc.Tracking(jobID) {
			outcome = poller.OutcomePolling
		}
		common.OK(c, jobView(st, outcome))
		return
	}

	hd, err := h.Svc.StartTracking(jobID, kind, uid, h.Track)
	if err != nil {
		h.failErr(c, "startTracking", err)
		return
	}
	st, ok := hd.Status()
	if !ok {
		st = status.Pending(jobID, kind, time.Now().UTC())
	}
	common.OK(c, jobView(st, hd.Outcome()))
}

func (h *Handler) StopJob(c *gin.Context) {
	_, jobID, _, okk := h.jobParams(c)
	if !okk {
		return
	}
	common.OK(c, gin.H{"job_id": jobID, "stopped": h.Svc.Stop(jobID)})
}

func (h *Handler) ListMyJobs(c *gin.Context) {
	uid, okk := middleware.UserID(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.Repo == nil {
		common.OK(c, gin.H{"jobs": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	jobs, err := h.Repo.ListUserJobs(c.Request.Context(), uid, limit)
	if err != nil {
		h.Log.WithError(err).Error("list jobs failed")
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list jobs")
		return
	}
	common.OK(c, gin.H{"jobs": jobs})
}

// GetDownloadLink resolves the file of a completed order.
func (h *Handler) GetDownloadLink(c *gin.Context) {
	c.Params = append(c.Params, gin.Param{Key: "kind", Value: string(status.KindOrder)})
	_, jobID, _, okk := h.jobParams(c)
	if !okk {
		return
	}
	st, ok := h.Svc.Status(jobID)
	if !ok || st.State != status.StateCompleted {
		common.Fail(c, http.StatusConflict, 40901, "order not ready")
		return
	}
	link, err := h.Svc.GetDownloadLink(c.Request.Context(), jobID)
	if err != nil {
		h.failErr(c, "getDownloadLink", err)
		return
	}
	common.OK(c, link)
}

// latestStatus keeps the newest record pushed to it and signals readers.
// Intermediate records a slow reader misses are dropped, never reordered.
type latestStatus struct {
	mu    sync.Mutex
	st    status.JobStatus
	ready chan struct{}
}

func newLatestStatus() *latestStatus {
	return &latestStatus{ready: make(chan struct{}, 1)}
}

func (l *latestStatus) put(st status.JobStatus) {
	l.mu.Lock()
	l.st = st
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latestStatus) take() status.JobStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st
}

// StreamJob pushes every result cache write for the job as server-sent
// events until the job reaches a terminal state, polling gives up, or the
// client goes away. Writes from batch lookups reach the stream too.
func (h *Handler) StreamJob(c *gin.Context) {
	kind, jobID, uid, okk := h.jobParams(c)
	if !okk {
		return
	}

	// Subscribe before tracking starts so the first fetch is not missed.
	updates := newLatestStatus()
	unsubscribe := h.Svc.Cache().Subscribe(jobID, updates.put)
	defer unsubscribe()

	hd, err := h.Svc.StartTracking(jobID, kind, uid, h.Track)
	if err != nil {
		h.failErr(c, "startTracking", err)
		return
	}
	defer hd.Stop()

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	// finish reports whether st ends the stream.
	finish := func(st status.JobStatus) bool {
		if !st.IsTerminal() {
			return false
		}
		writeJSON("done", jobView(st, hd.Outcome()))
		return true
	}

	if st, ok := hd.Status(); ok {
		writeJSON("status", jobView(st, hd.Outcome()))
		if finish(st) {
			return
		}
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	ctx := c.Request.Context()
	sessionDone := hd.Done()

	for {
		select {
		case <-updates.ready:
			st := updates.take()
			if finish(st) {
				return
			}
			writeJSON("status", jobView(st, hd.Outcome()))

		case <-sessionDone:
			if st, ok := hd.Status(); ok && finish(st) {
				return
			}
			// Timed out or stopped while the job is still running.
			msg := ""
			if err := hd.Err(); err != nil {
				msg = err.Error()
			}
			writeJSON("end", gin.H{
				"type":    "end",
				"outcome": hd.Outcome(),
				"message": msg,
			})
			return

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case <-ctx.Done():
			return
		}
	}
}
