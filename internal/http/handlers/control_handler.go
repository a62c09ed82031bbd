// Manual queue controls.
//
// This file exposes the operator-facing endpoints:
//   - POST /reminders/snooze
//   - POST /reminders/cancel
//   - POST /reminders/unsnooze
//
// Each acts on every active reminder matching the supplied identity (order
// reference and/or customer name), so an operator never has to know internal
// reminder IDs.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-reminder-backend/internal/services"
)

// SnoozeRequest asks to pause matching reminders until a date.
type SnoozeRequest struct {
	OrderRef     string `json:"order_ref,omitempty" example:"SO-1293"`
	CustomerName string `json:"customer_name,omitempty" example:"Jane Doe"`
	Until        string `json:"until" example:"2025-10-20"`
}

// CancelRequest asks to permanently cancel matching reminders.
type CancelRequest struct {
	OrderRef     string   `json:"order_ref,omitempty"`
	CustomerName string   `json:"customer_name,omitempty"`
	Types        []string `json:"types,omitempty" example:"CUSTOM,FOLLOWUP"`
	Reason       string   `json:"reason" example:"customer withdrew the order"`
}

// UnsnoozeRequest asks to resume matching snoozed reminders.
type UnsnoozeRequest struct {
	OrderRef     string `json:"order_ref,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`
}

// ControlResponse reports how many reminders an operation touched.
type ControlResponse struct {
	Count int `json:"count"`
	// Until is set on snooze: the resolved pause-until date.
	Until string `json:"until,omitempty"`
	// NextDue is set on unsnooze: when resumed reminders fire next.
	NextDue string `json:"next_due,omitempty"`
}

// Snooze godoc
// @ID          snoozeReminders
// @Summary     Snooze matching reminders
// @Description Pauses all active reminders matching the identity until the given date. The date must be strictly in the future.
// @Tags        Control
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.SnoozeRequest  true  "Snooze request"
// @Success     200  {object} handlers.ControlResponse
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload or past date"
// @Failure     500  {object} handlers.ErrorResponse "Update failed"
// @Router      /reminders/snooze [post]
func (h *Handlers) Snooze(c *gin.Context) {
	var req SnoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid snooze payload")
		return
	}
	n, until, err := h.ctl.Snooze(c.Request.Context(), req.OrderRef, req.CustomerName, req.Until, actor(c))
	if err != nil {
		status, code := controlStatus(err)
		fail(c, status, code, err.Error())
		return
	}
	ok(c, http.StatusOK, ControlResponse{Count: n, Until: until})
}

// Cancel godoc
// @ID          cancelReminders
// @Summary     Cancel matching reminders
// @Description Permanently cancels all active reminders matching the identity. A reason is required and is recorded in the audit trail.
// @Tags        Control
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.CancelRequest  true  "Cancel request"
// @Success     200  {object} handlers.ControlResponse
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload or missing reason"
// @Failure     500  {object} handlers.ErrorResponse "Update failed"
// @Router      /reminders/cancel [post]
func (h *Handlers) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid cancel payload")
		return
	}
	n, err := h.ctl.Cancel(c.Request.Context(), req.OrderRef, req.CustomerName, req.Types, req.Reason, actor(c))
	if err != nil {
		status, code := controlStatus(err)
		fail(c, status, code, err.Error())
		return
	}
	ok(c, http.StatusOK, ControlResponse{Count: n})
}

// Unsnooze godoc
// @ID          unsnoozeReminders
// @Summary     Resume matching snoozed reminders
// @Description Clears the snooze on all matching reminders and reschedules them for the next daily run.
// @Tags        Control
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.UnsnoozeRequest  true  "Unsnooze request"
// @Success     200  {object} handlers.ControlResponse
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     500  {object} handlers.ErrorResponse "Update failed"
// @Router      /reminders/unsnooze [post]
func (h *Handlers) Unsnooze(c *gin.Context) {
	var req UnsnoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid unsnooze payload")
		return
	}
	n, nextDue, err := h.ctl.Unsnooze(c.Request.Context(), req.OrderRef, req.CustomerName, actor(c))
	if err != nil {
		status, code := controlStatus(err)
		fail(c, status, code, err.Error())
		return
	}
	ok(c, http.StatusOK, ControlResponse{Count: n, NextDue: nextDue})
}

// controlStatus maps control-service errors to HTTP status and error code.
// Validation failures are the caller's fault; everything else is a 500.
func controlStatus(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrBadDate),
		errors.Is(err, services.ErrPastSnoozeDate),
		errors.Is(err, services.ErrMissingCancelReason),
		errors.Is(err, services.ErrMissingIdentity):
		return http.StatusBadRequest, ErrCodeBadRequest
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
