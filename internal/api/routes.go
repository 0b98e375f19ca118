// Package api provides the HTTP admin surface for the circulation
// server: health, pool inspection, manual job triggers, and patron
// circulation operations.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openlend/circ/internal/api/handlers"
	"github.com/openlend/circ/internal/api/middleware"
)

// Store combines the persistence surfaces the handlers read.
type Store interface {
	handlers.DatabaseHealthChecker
	handlers.PoolStore
	handlers.NotificationStore
}

// Queue combines the job trigger surfaces the handlers drive.
type Queue interface {
	handlers.JobEnqueuer
	handlers.SyncEnqueuer
}

// Config holds configuration for the API router.
type Config struct {
	// Version reported on the version endpoint.
	Version string
}

// Router wraps a gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates the admin API router.
func NewRouter(cfg Config, engine handlers.Engine, store Store, queue Queue, registry *prometheus.Registry, logger zerolog.Logger) *Router {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))

	healthHandler := handlers.NewHealthHandler(store, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	if registry != nil {
		r.Engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	r.Engine.GET("/version", func(c *gin.Context) {
		c.JSON(200, gin.H{"version": cfg.Version})
	})

	v1 := r.Engine.Group("/api/v1")
	{
		poolsHandler := handlers.NewPoolsHandler(store, queue, logger)
		poolsHandler.RegisterRoutes(v1)

		circHandler := handlers.NewCirculationHandler(engine, store, queue, logger)
		circHandler.RegisterRoutes(v1)
	}

	return r
}
