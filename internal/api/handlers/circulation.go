package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openlend/circ/internal/circ"
	"github.com/openlend/circ/internal/distributor"
	"github.com/openlend/circ/internal/models"
)

// Engine is the circulation surface the handler drives.
type Engine interface {
	Borrow(ctx context.Context, patronID, poolID uuid.UUID, format string) (*circ.BorrowResult, error)
	Return(ctx context.Context, patronID, poolID uuid.UUID) error
	Renew(ctx context.Context, patronID, poolID uuid.UUID) (*models.Loan, error)
	Fulfill(ctx context.Context, patronID, poolID uuid.UUID, format string) (*distributor.FulfillmentToken, error)
	PlaceHold(ctx context.Context, patronID, poolID uuid.UUID) (*models.Hold, error)
	CancelHold(ctx context.Context, patronID, poolID uuid.UUID) error
	GetPatronActivity(ctx context.Context, patronID uuid.UUID) (*circ.PatronActivity, error)
}

// NotificationStore lists a patron's notification history.
type NotificationStore interface {
	ListNotificationLogsByPatron(ctx context.Context, patronID uuid.UUID, limit int) ([]*models.NotificationLog, error)
}

// SyncEnqueuer queues a patron-scoped sync.
type SyncEnqueuer interface {
	EnqueueSyncPatron(ctx context.Context, patronID uuid.UUID) (*models.Job, error)
}

// CirculationHandler handles patron circulation endpoints.
type CirculationHandler struct {
	engine        Engine
	notifications NotificationStore
	queue         SyncEnqueuer
	logger        zerolog.Logger
}

// NewCirculationHandler creates a new CirculationHandler.
func NewCirculationHandler(engine Engine, notifications NotificationStore, queue SyncEnqueuer, logger zerolog.Logger) *CirculationHandler {
	return &CirculationHandler{
		engine:        engine,
		notifications: notifications,
		queue:         queue,
		logger:        logger.With().Str("component", "circulation_handler").Logger(),
	}
}

// RegisterRoutes registers circulation routes on the given router group.
func (h *CirculationHandler) RegisterRoutes(r *gin.RouterGroup) {
	patrons := r.Group("/patrons/:id")
	{
		patrons.GET("/activity", h.Activity)
		patrons.GET("/notifications", h.Notifications)
		patrons.POST("/borrow", h.Borrow)
		patrons.POST("/return", h.Return)
		patrons.POST("/renew", h.Renew)
		patrons.POST("/fulfill", h.Fulfill)
		patrons.POST("/holds", h.PlaceHold)
		patrons.DELETE("/holds/:poolID", h.CancelHold)
		patrons.POST("/sync", h.Sync)
	}
}

// PoolRequest names the pool a circulation operation targets.
type PoolRequest struct {
	PoolID uuid.UUID `json:"pool_id" binding:"required"`
	Format string    `json:"format"`
}

func (h *CirculationHandler) patronID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patron ID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *CirculationHandler) bindPoolRequest(c *gin.Context) (*PoolRequest, bool) {
	var req PoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return nil, false
	}
	return &req, true
}

// statusForError maps a classified circulation failure to an HTTP status.
func statusForError(err error) int {
	switch distributor.KindOf(err) {
	case distributor.KindBlocked, distributor.KindDenied:
		return http.StatusForbidden
	case distributor.KindLimitReached, distributor.KindRenewalDenied,
		distributor.KindFormatUnavailable, distributor.KindBusy:
		return http.StatusConflict
	case distributor.KindNotHoldable:
		return http.StatusUnprocessableEntity
	case distributor.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (h *CirculationHandler) fail(c *gin.Context, err error, op string) {
	status := statusForError(err)
	if status >= 500 {
		h.logger.Error().Err(err).Str("op", op).Msg("circulation operation failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(distributor.KindOf(err))})
}

// Borrow checks out a title, or queues a hold when no copies are free.
// POST /api/v1/patrons/:id/borrow
func (h *CirculationHandler) Borrow(c *gin.Context) {
	patronID, ok := h.patronID(c)
	if !ok {
		return
	}
	req, ok := h.bindPoolRequest(c)
	if !ok {
		return
	}

	result, err := h.engine.Borrow(c.Request.Context(), patronID, req.PoolID, req.Format)
	if err != nil {
		h.fail(c, err, "borrow")
		return
	}

	if result.Hold != nil {
		c.JSON(http.StatusAccepted, gin.H{"hold": result.Hold})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"loan": result.Loan})
}

// Return ends a loan. Idempotent.
// POST /api/v1/patrons/:id/return
func (h *CirculationHandler) Return(c *gin.Context) {
	patronID, ok := h.patronID(c)
	if !ok {
		return
	}
	req, ok := h.bindPoolRequest(c)
	if !ok {
		return
	}

	if err := h.engine.Return(c.Request.Context(), patronID, req.PoolID); err != nil {
		h.fail(c, err, "return")
		return
	}
	c.Status(http.StatusNoContent)
}

// Renew extends a loan when no holds are queued ahead.
// POST /api/v1/patrons/:id/renew
func (h *CirculationHandler) Renew(c *gin.Context) {
	patronID, ok := h.patronID(c)
	if !ok {
		return
	}
	req, ok := h.bindPoolRequest(c)
	if !ok {
		return
	}

	loan, err := h.engine.Renew(c.Request.Context(), patronID, req.PoolID)
	if err != nil {
		h.fail(c, err, "renew")
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan": loan})
}

// Fulfill produces a fulfillment token, locking the loan's format.
// POST /api/v1/patrons/:id/fulfill
func (h *CirculationHandler) Fulfill(c *gin.Context) {
	patronID, ok := h.patronID(c)
	if !ok {
		return
	}
	req, ok := h.bindPoolRequest(c)
	if !ok {
		return
	}

	token, err := h.engine.Fulfill(c.Request.Context(), patronID, req.PoolID, req.Format)
	if err != nil {
		h.fail(c, err, "fulfill")
		return
	}
	c.JSON(http.StatusOK, gin.H{"fulfillment": token})
}

// PlaceHold queues the patron for the next free license.
// POST /api/v1/patrons/:id/holds
func (h *CirculationHandler) PlaceHold(c *gin.Context) {
	patronID, ok := h.patronID(c)
	if !ok {
		return
	}
	req, ok := h.bindPoolRequest(c)
	if !ok {
		return
	}

	hold, err := h.engine.PlaceHold(c.Request.Context(), patronID, req.PoolID)
	if err != nil {
		h.fail(c, err, "place_hold")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hold": hold})
}

// CancelHold removes the patron's hold. Idempotent.
// DELETE /api/v1/patrons/:id/holds/:poolID
func (h *CirculationHandler) CancelHold(c *gin.Context) {
	patronID, ok := h.patronID(c)
	if !ok {
		return
	}
	poolID, err := uuid.Parse(c.Param("poolID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pool ID"})
		return
	}

	if err := h.engine.CancelHold(c.Request.Context(), patronID, poolID); err != nil {
		h.fail(c, err, "cancel_hold")
		return
	}
	c.Status(http.StatusNoContent)
}

// Activity returns the patron's active loans and holds.
// GET /api/v1/patrons/:id/activity
func (h *CirculationHandler) Activity(c *gin.Context) {
	patronID, ok := h.patronID(c)
	if !ok {
		return
	}

	activity, err := h.engine.GetPatronActivity(c.Request.Context(), patronID)
	if err != nil {
		h.logger.Error().Err(err).Str("patron_id", patronID.String()).Msg("failed to get activity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get activity"})
		return
	}
	c.JSON(http.StatusOK, activity)
}

// Notifications returns the patron's notification history, newest first.
// GET /api/v1/patrons/:id/notifications
func (h *CirculationHandler) Notifications(c *gin.Context) {
	patronID, ok := h.patronID(c)
	if !ok {
		return
	}

	logs, err := h.notifications.ListNotificationLogsByPatron(c.Request.Context(), patronID, 50)
	if err != nil {
		h.logger.Error().Err(err).Str("patron_id", patronID.String()).Msg("failed to list notifications")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": logs})
}

// Sync enqueues a patron-scoped reconciliation against the distributors.
// POST /api/v1/patrons/:id/sync
func (h *CirculationHandler) Sync(c *gin.Context) {
	patronID, ok := h.patronID(c)
	if !ok {
		return
	}

	job, err := h.queue.EnqueueSyncPatron(c.Request.Context(), patronID)
	if err != nil {
		h.logger.Error().Err(err).Str("patron_id", patronID.String()).Msg("failed to enqueue sync")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue sync"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}
