package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/jobtracker/internal/common"
	"github.com/suPer8Hu/jobtracker/internal/config"
	"github.com/suPer8Hu/jobtracker/internal/httpapi/handlers"
	"github.com/suPer8Hu/jobtracker/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler, log logrus.FieldLogger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	// job creation
	authGroup.POST("/orders", h.CreateOrder)
	authGroup.GET("/orders/:job_id/download", h.GetDownloadLink)
	authGroup.POST("/ai/jobs", h.CreateAIJob)

	// tracking
	authGroup.GET("/jobs", h.ListMyJobs)
	authGroup.GET("/jobs/:kind/:job_id", h.GetJob)
	authGroup.GET("/jobs/:kind/:job_id/events", h.StreamJob)
	authGroup.POST("/jobs/:kind/:job_id/stop", h.StopJob)

	// batch
	authGroup.POST("/batch/stock-info", h.BatchStockInfo)
	authGroup.POST("/batch/jobs", h.BatchJobs)
	return r
}
