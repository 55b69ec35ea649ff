// Package handler exposes the intelligence queue monitoring and operator
// endpoints.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/internal/intelligence/service"
	"portal_intelligence/platform/apperr"
	"portal_intelligence/platform/httpkit"
	"portal_intelligence/platform/logger"
	"portal_intelligence/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// QueueReader is the slice of the queue store the handler reads and retries.
type QueueReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.QueueItem, error)
	Retry(ctx context.Context, id uuid.UUID) (domain.QueueItem, error)
	Stats(ctx context.Context) ([]domain.StatusCount, error)
}

// Reprocessor schedules and cancels batch reprocessing.
type Reprocessor interface {
	ScheduleReprocessing(ctx context.Context, req service.ReprocessRequest) (domain.QueueItem, error)
	CancelReprocessing(ctx context.Context, opportunityID uuid.UUID) (bool, error)
}

// WorkerStats reports a pool's running workers.
type WorkerStats interface {
	ActiveWorkers() int
}

// Handler serves /admin/intelligence-queue.
type Handler struct {
	store     QueueReader
	reprocess Reprocessor
	activity  WorkerStats
	batch     WorkerStats
	val       *validator.Validator
	log       *logger.Logger
	now       func() time.Time
}

func New(store QueueReader, reprocess Reprocessor, activity, batch WorkerStats, val *validator.Validator, log *logger.Logger) *Handler {
	return &Handler{
		store:     store,
		reprocess: reprocess,
		activity:  activity,
		batch:     batch,
		val:       val,
		log:       log,
		now:       time.Now,
	}
}

// RegisterRoutes mounts the queue routes on an admin group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.Stats)
	rg.GET("/items/:id", h.GetItem)
	rg.POST("/items/:id/retry", h.RetryItem)
	rg.POST("/opportunities/:id/reprocess", h.ScheduleReprocess)
	rg.DELETE("/opportunities/:id/reprocess", h.CancelReprocess)
}

// StatsResponse is the monitoring snapshot.
type StatsResponse struct {
	Counts        []domain.StatusCount `json:"counts"`
	ActiveWorkers ActiveWorkers        `json:"activeWorkers"`
	GeneratedAt   time.Time            `json:"generatedAt"`
}

// ActiveWorkers counts running workers per pool in this process.
type ActiveWorkers struct {
	Activity int `json:"activity"`
	Batch    int `json:"batch"`
}

// ReprocessRequest is the body of POST /opportunities/:id/reprocess.
// OrganizationID defaults to the operator's organization.
type ReprocessRequest struct {
	Reason         string     `json:"reason" validate:"required,max=200"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
}

func (h *Handler) Stats(c *gin.Context) {
	counts, err := h.store.Stats(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}

	resp := StatsResponse{Counts: counts, GeneratedAt: h.now().UTC()}
	if h.activity != nil {
		resp.ActiveWorkers.Activity = h.activity.ActiveWorkers()
	}
	if h.batch != nil {
		resp.ActiveWorkers.Batch = h.batch.ActiveWorkers()
	}
	httpkit.OK(c, resp)
}

func (h *Handler) GetItem(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	item, err := h.store.GetByID(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		httpkit.Error(c, http.StatusNotFound, "queue item not found", nil)
		return
	}
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, item)
}

// RetryItem returns a FAILED item to pending with a fresh retry budget.
func (h *Handler) RetryItem(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	item, err := h.store.Retry(c.Request.Context(), id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		httpkit.Error(c, http.StatusNotFound, "queue item not found", nil)
		return
	case errors.Is(err, repository.ErrStale):
		httpkit.HandleError(c, apperr.Conflict("only failed items can be retried"))
		return
	}
	if httpkit.HandleError(c, err) {
		return
	}
	h.audit(c, "operator retried queue item", "itemId", item.ID)
	httpkit.OK(c, item)
}

func (h *Handler) ScheduleReprocess(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req ReprocessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}

	if req.OrganizationID == nil {
		if op, ok := httpkit.OperatorFrom(c); ok {
			req.OrganizationID = op.OrganizationID
		}
	}

	item, err := h.reprocess.ScheduleReprocessing(c.Request.Context(), service.ReprocessRequest{
		OpportunityID:  id,
		OrganizationID: req.OrganizationID,
		Reason:         req.Reason,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	h.audit(c, "operator scheduled reprocessing", "opportunityId", id, "itemId", item.ID)
	httpkit.JSON(c, http.StatusAccepted, item)
}

func (h *Handler) CancelReprocess(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	cancelled, err := h.reprocess.CancelReprocessing(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	if !cancelled {
		httpkit.Error(c, http.StatusNotFound, "no active reprocessing for opportunity", nil)
		return
	}
	h.audit(c, "operator cancelled reprocessing", "opportunityId", id)
	c.Status(http.StatusNoContent)
}

func (h *Handler) audit(c *gin.Context, msg string, args ...any) {
	if h.log == nil {
		return
	}
	if op, ok := httpkit.OperatorFrom(c); ok {
		args = append(args, "operatorId", op.ID)
	}
	h.log.Info(msg, args...)
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return uuid.Nil, false
	}
	return id, true
}
