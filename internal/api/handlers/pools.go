package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openlend/circ/internal/models"
)

// PoolStore defines the pool persistence operations the handler reads.
type PoolStore interface {
	GetLicensePoolByID(ctx context.Context, id uuid.UUID) (*models.LicensePool, error)
	ListHoldsByPool(ctx context.Context, poolID uuid.UUID) ([]*models.Hold, error)
}

// JobEnqueuer triggers background work for a pool.
type JobEnqueuer interface {
	EnqueueReconcile(ctx context.Context, poolID uuid.UUID) (*models.Job, error)
	EnqueueSweep(ctx context.Context, poolID uuid.UUID) (*models.Job, error)
}

// PoolsHandler handles pool inspection and manual trigger endpoints.
type PoolsHandler struct {
	store  PoolStore
	queue  JobEnqueuer
	logger zerolog.Logger
}

// NewPoolsHandler creates a new PoolsHandler.
func NewPoolsHandler(store PoolStore, queue JobEnqueuer, logger zerolog.Logger) *PoolsHandler {
	return &PoolsHandler{
		store:  store,
		queue:  queue,
		logger: logger.With().Str("component", "pools_handler").Logger(),
	}
}

// RegisterRoutes registers pool routes on the given router group.
func (h *PoolsHandler) RegisterRoutes(r *gin.RouterGroup) {
	pools := r.Group("/pools")
	{
		pools.GET("/:id", h.Get)
		pools.GET("/:id/holds", h.Holds)
		pools.POST("/:id/reconcile", h.Reconcile)
		pools.POST("/:id/sweep", h.Sweep)
	}
}

func (h *PoolsHandler) poolID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pool ID"})
		return uuid.Nil, false
	}
	return id, true
}

// Get returns one license pool.
// GET /api/v1/pools/:id
func (h *PoolsHandler) Get(c *gin.Context) {
	id, ok := h.poolID(c)
	if !ok {
		return
	}

	pool, err := h.store.GetLicensePoolByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("pool_id", id.String()).Msg("failed to get pool")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get pool"})
		return
	}
	if pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
		return
	}

	c.JSON(http.StatusOK, pool)
}

// Holds returns the pool's hold queue in position order.
// GET /api/v1/pools/:id/holds
func (h *PoolsHandler) Holds(c *gin.Context) {
	id, ok := h.poolID(c)
	if !ok {
		return
	}

	holds, err := h.store.ListHoldsByPool(c.Request.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("pool_id", id.String()).Msg("failed to list holds")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list holds"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"holds": holds})
}

// Reconcile enqueues a reconcile job for the pool.
// POST /api/v1/pools/:id/reconcile
func (h *PoolsHandler) Reconcile(c *gin.Context) {
	id, ok := h.poolID(c)
	if !ok {
		return
	}

	job, err := h.queue.EnqueueReconcile(c.Request.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("pool_id", id.String()).Msg("failed to enqueue reconcile")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue reconcile"})
		return
	}
	if job == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "a reconcile is already queued for this pool"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// Sweep enqueues a hold promotion sweep for the pool.
// POST /api/v1/pools/:id/sweep
func (h *PoolsHandler) Sweep(c *gin.Context) {
	id, ok := h.poolID(c)
	if !ok {
		return
	}

	job, err := h.queue.EnqueueSweep(c.Request.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("pool_id", id.String()).Msg("failed to enqueue sweep")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue sweep"})
		return
	}
	if job == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "a sweep is already queued for this pool"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}
