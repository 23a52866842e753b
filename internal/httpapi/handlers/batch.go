package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/jobtracker/internal/batch"
	"github.com/suPer8Hu/jobtracker/internal/common"
	"github.com/suPer8Hu/jobtracker/internal/httpapi/middleware"
)

type batchItemView struct {
	Key        string `json:"key"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Loading    bool   `json:"loading"`
	Success    bool   `json:"success"`
	RetryCount int    `json:"retry_count"`
}

func itemViews[R batch.Keyed, T any](items []batch.Item[R, T]) []batchItemView {
	out := make([]batchItemView, len(items))
	for i, it := range items {
		v := batchItemView{
			Key:        it.Key,
			Loading:    it.IsLoading,
			Success:    it.IsSuccess,
			RetryCount: it.RetryCount,
		}
		if it.IsSuccess {
			v.Data = it.Data
		}
		if it.Err != nil {
			v.Error = it.Err.Error()
		}
		out[i] = v
	}
	return out
}

type stockBatchReq struct {
	Items   []batch.StockRequest `json:"items" binding:"required"`
	Refetch bool                 `json:"refetch"`
}

// BatchStockInfo resolves catalog info for many items. Per-item failures are
// reported in the item, never as a request error.
func (h *Handler) BatchStockInfo(c *gin.Context) {
	var req stockBatchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if len(req.Items) == 0 || len(req.Items) > maxBatchItems {
		common.Fail(c, http.StatusBadRequest, 10003, "items must hold 1 to 100 entries")
		return
	}

	b := h.Svc.TrackBatch(c.Request.Context(), req.Items)
	b.Wait()
	if req.Refetch {
		b.RefetchAll(c.Request.Context())
	}
	common.OK(c, gin.H{
		"items": itemViews(b.Results()),
		"stats": b.Stats(),
	})
}

type jobBatchReq struct {
	Items []batch.JobRequest `json:"items" binding:"required"`
}

// BatchJobs fetches the status of many jobs once each. Jobs the caller does
// not own are reported as not found, item by item.
func (h *Handler) BatchJobs(c *gin.Context) {
	uid, okk := middleware.UserID(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req jobBatchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if len(req.Items) == 0 || len(req.Items) > maxBatchItems {
		common.Fail(c, http.StatusBadRequest, 10003, "items must hold 1 to 100 entries")
		return
	}

	hidden, err := h.foreignJobs(c.Request.Context(), uid, req.Items)
	if err != nil {
		h.Log.WithError(err).Error("load batch jobs failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	visible := make([]batch.JobRequest, 0, len(req.Items))
	for i, it := range req.Items {
		if !hidden[i] {
			visible = append(visible, it)
		}
	}

	b := h.Svc.TrackJobs(c.Request.Context(), visible)
	b.Wait()
	views := itemViews(b.Results())
	stats := b.Stats()

	items := make([]batchItemView, len(req.Items))
	next := 0
	for i, it := range req.Items {
		if hidden[i] {
			items[i] = batchItemView{Key: it.Key(), Error: "job not found"}
			stats.Total++
			stats.Error++
			continue
		}
		items[i] = views[next]
		next++
	}
	common.OK(c, gin.H{
		"items": items,
		"stats": stats,
	})
}

// foreignJobs flags the well-formed items that are unknown or belong to
// another user. Without a repository nothing is hidden.
func (h *Handler) foreignJobs(ctx context.Context, uid uint64, items []batch.JobRequest) ([]bool, error) {
	hidden := make([]bool, len(items))
	if h.Repo == nil {
		return hidden, nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if batch.Validate(it) == nil {
			ids = append(ids, it.JobID)
		}
	}
	owned, err := h.Repo.OwnedKinds(ctx, uid, ids)
	if err != nil {
		return nil, err
	}
	for i, it := range items {
		if batch.Validate(it) != nil {
			continue
		}
		if kind, ok := owned[it.JobID]; !ok || kind != it.Kind {
			hidden[i] = true
		}
	}
	return hidden, nil
}
