// Ingest HTTP handlers.
//
// This file exposes the endpoints upstream systems call when business state
// changes:
//   - POST /orders/status-change   (sales stage / custom-order status change)
//   - POST /viewings/nudge         (single-fire diamond-viewing nudge)
//   - POST /viewings/urgent        (recurring urgent daily viewing reminder)
//
// The status-change endpoint honors the Idempotency-Key header so a replayed
// webhook does not re-enqueue obligations.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-reminder-backend/internal/http/middleware"
	"github.com/tbourn/go-reminder-backend/internal/repo"
	"github.com/tbourn/go-reminder-backend/internal/services"
)

// StatusChangeRequest is the JSON payload for a business status change.
type StatusChangeRequest struct {
	// OrderRef is the raw order identifier in whatever form the source
	// system produces; it is canonicalized server-side.
	OrderRef          string `json:"order_ref" example:"SO-100"`
	CustomerName      string `json:"customer_name" example:"Jane Doe"`
	SalesStage        string `json:"sales_stage" example:"Lead"`
	CustomOrderStatus string `json:"custom_order_status" example:"3D Requested"`
	AssignedRep       string `json:"assigned_rep,omitempty"`
	AssistedRep       string `json:"assisted_rep,omitempty"`
	NextSteps         string `json:"next_steps,omitempty"`
}

// ViewingRequest is the JSON payload for the diamond-viewing helpers.
type ViewingRequest struct {
	OrderRef     string `json:"order_ref"`
	CustomerName string `json:"customer_name"`
	AssignedRep  string `json:"assigned_rep,omitempty"`
	AssistedRep  string `json:"assisted_rep,omitempty"`
	NextSteps    string `json:"next_steps,omitempty"`
	// ScheduledVisit is the raw visit instant; only used by the nudge.
	ScheduledVisit string `json:"scheduled_visit,omitempty" example:"2025-10-20 14:00:00"`
}

func (r ViewingRequest) fields() services.EnqueueFields {
	return services.EnqueueFields{
		CustomerName: r.CustomerName,
		AssignedRep:  r.AssignedRep,
		AssistedRep:  r.AssistedRep,
		NextSteps:    r.NextSteps,
	}
}

// StatusChange godoc
// @ID          statusChange
// @Summary     Ingest a business status change
// @Description Creates, refreshes, or auto-resolves obligations for the order based on its new sales stage and custom-order status.
// @Tags        Ingest
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false "Dedup key for webhook retries"
// @Param       body  body  handlers.StatusChangeRequest  true  "Status change"
// @Success     202  {object} map[string]string
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     500  {object} handlers.ErrorResponse "Enqueue failed"
// @Router      /orders/status-change [post]
func (h *Handlers) StatusChange(c *gin.Context) {
	var req StatusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid status-change payload")
		return
	}
	if req.OrderRef == "" && req.CustomerName == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order_ref or customer_name is required")
		return
	}

	// A validated replay already enqueued this change; acknowledge and stop.
	if middleware.IsReplay(c) {
		ok(c, http.StatusAccepted, gin.H{"status": "replayed"})
		return
	}

	err := h.enq.OnBusinessStatusChange(c.Request.Context(),
		req.OrderRef, req.SalesStage, req.CustomOrderStatus, actor(c),
		services.EnqueueFields{
			CustomerName: req.CustomerName,
			AssignedRep:  req.AssignedRep,
			AssistedRep:  req.AssistedRep,
			NextSteps:    req.NextSteps,
		})
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, err.Error())
		return
	}

	// Idempotency (store path) – best effort.
	if key, has := middleware.GetIdempotencyKey(c); has {
		if svc, okSvc := h.enq.(*services.EnqueueService); okSvc && svc.DB != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(c.Request.Context(), svc.DB, actor(c), c.FullPath(), key, http.StatusAccepted, ttl)
		}
	}
	ok(c, http.StatusAccepted, gin.H{"status": "accepted"})
}

// ViewingNudge godoc
// @ID          viewingNudge
// @Summary     Schedule a single-fire viewing nudge
// @Description Upserts the one-shot diamond-viewing nudge, due ahead of the scheduled visit (or a fallback offset when no visit is known).
// @Tags        Ingest
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.ViewingRequest  true  "Viewing details"
// @Success     200  {object} map[string]string
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     500  {object} handlers.ErrorResponse "Enqueue failed"
// @Router      /viewings/nudge [post]
func (h *Handlers) ViewingNudge(c *gin.Context) {
	var req ViewingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid viewing payload")
		return
	}
	if req.OrderRef == "" && req.CustomerName == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order_ref or customer_name is required")
		return
	}
	id, err := h.enq.ScheduleViewingNudge(c.Request.Context(), req.OrderRef, req.fields(), actor(c), req.ScheduledVisit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"id": id})
}

// ViewingUrgent godoc
// @ID          viewingUrgent
// @Summary     Schedule the urgent daily viewing reminder
// @Description Upserts the recurring urgent viewing reminder for the current day; a new calendar day produces a distinct obligation.
// @Tags        Ingest
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.ViewingRequest  true  "Viewing details"
// @Success     200  {object} map[string]string
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     500  {object} handlers.ErrorResponse "Enqueue failed"
// @Router      /viewings/urgent [post]
func (h *Handlers) ViewingUrgent(c *gin.Context) {
	var req ViewingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid viewing payload")
		return
	}
	if req.OrderRef == "" && req.CustomerName == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order_ref or customer_name is required")
		return
	}
	id, err := h.enq.ScheduleViewingUrgent(c.Request.Context(), req.OrderRef, req.fields(), actor(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"id": id})
}
