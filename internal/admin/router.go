// Package admin exposes health, metrics and a small JSON API over HTTP.
package admin

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies holds all dependencies needed by the admin handlers
type Dependencies struct {
	Logger    *slog.Logger
	Scheduler Scheduler
	// Gatherer backs /metrics; the route is omitted when nil
	Gatherer prometheus.Gatherer
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	h := NewHandler(deps)

	r.GET("/health", h.Health)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", h.CreateJob)
			jobs.GET("/:job_id", h.GetJob)
			jobs.POST("/:job_id/cancel", h.CancelJob)
		}

		queues := v1.Group("/queues")
		{
			queues.GET("", h.ListQueues)
			queues.GET("/:queue", h.GetQueue)
		}

		v1.GET("/workers", h.ListWorkers)
	}

	return r
}
