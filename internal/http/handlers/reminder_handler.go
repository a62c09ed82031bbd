// Reminder HTTP handlers.
//
// This file declares the abstract service interfaces consumed by the HTTP
// layer, the Handlers aggregate, and the read-side endpoints:
//   - GET  /reminders   (active queue, paginated)
//   - GET  /audit       (audit trail, paginated)
//   - POST /batch/run   (manual batch trigger)
//
// Handlers are transport-thin: they validate input, delegate to application
// services, and translate service errors into HTTP results.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/services"
	"github.com/tbourn/go-reminder-backend/internal/utils"
)

// Enqueuer is the ingest-side contract (status changes, viewing helpers).
type Enqueuer interface {
	OnBusinessStatusChange(ctx context.Context, rawSubject, salesStage, customOrderStatus, actor string, f services.EnqueueFields) error
	ScheduleViewingNudge(ctx context.Context, rawSubject string, f services.EnqueueFields, actor, rawVisit string) (string, error)
	ScheduleViewingUrgent(ctx context.Context, rawSubject string, f services.EnqueueFields, actor string) (string, error)
}

// Controller is the manual snooze/cancel/unsnooze contract.
type Controller interface {
	Snooze(ctx context.Context, rawSubject, customerName, untilDate, actor string) (int, string, error)
	Cancel(ctx context.Context, rawSubject, customerName string, types []string, reason, actor string) (int, error)
	Unsnooze(ctx context.Context, rawSubject, customerName, actor string) (int, string, error)
}

// BatchRunner triggers one batch pass on demand.
type BatchRunner interface {
	Run(ctx context.Context, now time.Time, force bool) (*services.RunReport, error)
}

// QueryStore is the read-side contract for listings.
type QueryStore interface {
	ListActivePage(ctx context.Context, offset, limit int) ([]domain.ReminderItem, int64, error)
	ListAuditPage(ctx context.Context, itemID string, offset, limit int) ([]domain.AuditEntry, error)
	CountAudit(ctx context.Context, itemID string) (int64, error)
}

// Handlers groups the HTTP endpoints for the reminder queue. It depends on
// abstract service interfaces to keep transport concerns separate from
// business logic.
type Handlers struct {
	enq   Enqueuer
	ctl   Controller
	batch BatchRunner
	store QueryStore
}

// New constructs a Handlers instance bound to the given services.
func New(enq Enqueuer, ctl Controller, batch BatchRunner, store QueryStore) *Handlers {
	return &Handlers{enq: enq, ctl: ctl, batch: batch, store: store}
}

// actor extracts the acting operator from Gin context (set by upstream
// middleware). If absent, it falls back to the "X-Actor" header, and finally
// to "operator". It never touches c.Request if it's nil.
func actor(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-Actor")); h != "" {
			return h
		}
	}
	return "operator"
}

// PageResponse is the envelope for paginated listings.
type PageResponse struct {
	Items    any   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

// ListReminders godoc
// @ID          listReminders
// @Summary     List active reminders
// @Description Returns PENDING and SNOOZED reminders ordered by next due instant.
// @Tags        Reminders
// @Produce     json
// @Param       page       query  int  false "Page (1-based)"   default(1)
// @Param       page_size  query  int  false "Items per page"   default(20)
// @Success     200  {object} handlers.PageResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal server error"
// @Router      /reminders [get]
func (h *Handlers) ListReminders(c *gin.Context) {
	page := utils.AtoiDefault(c.Query("page"), 1)
	size := utils.AtoiDefault(c.Query("page_size"), 20)
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 200 {
		size = 20
	}
	items, total, err := h.store.ListActivePage(c.Request.Context(), (page-1)*size, size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, PageResponse{Items: items, Total: total, Page: page, PageSize: size})
}

// ListAudit godoc
// @ID          listAudit
// @Summary     List audit entries
// @Description Returns the append-only audit trail, newest first. Filter to one item with item_id.
// @Tags        Audit
// @Produce     json
// @Param       item_id    query  string false "Filter by reminder id"
// @Param       page       query  int    false "Page (1-based)"  default(1)
// @Param       page_size  query  int    false "Items per page"  default(50)
// @Success     200  {object} handlers.PageResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal server error"
// @Router      /audit [get]
func (h *Handlers) ListAudit(c *gin.Context) {
	page := utils.AtoiDefault(c.Query("page"), 1)
	size := utils.AtoiDefault(c.Query("page_size"), 50)
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 500 {
		size = 50
	}
	itemID := strings.TrimSpace(c.Query("item_id"))
	total, err := h.store.CountAudit(c.Request.Context(), itemID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	items, err := h.store.ListAuditPage(c.Request.Context(), itemID, (page-1)*size, size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, PageResponse{Items: items, Total: total, Page: page, PageSize: size})
}

// RunBatch godoc
// @ID          runBatch
// @Summary     Trigger a batch run
// @Description Runs the daily batch pass immediately. With force=true the day's completion marker is ignored.
// @Tags        Batch
// @Produce     json
// @Param       force  query  bool  false "Ignore the day marker" default(false)
// @Success     200  {object} services.RunReport
// @Failure     409  {object} handlers.ErrorResponse "A run is already in progress"
// @Failure     500  {object} handlers.ErrorResponse "Run failed"
// @Router      /batch/run [post]
func (h *Handlers) RunBatch(c *gin.Context) {
	force := strings.EqualFold(c.Query("force"), "true") || c.Query("force") == "1"
	rep, err := h.batch.Run(c.Request.Context(), time.Now(), force)
	if err != nil {
		if err == services.ErrRunInProgress {
			fail(c, http.StatusConflict, ErrCodeConflict, "a batch run is already in progress")
			return
		}
		// Delivery failures still produce a report worth returning.
		if rep != nil {
			c.JSON(http.StatusBadGateway, rep)
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeRunFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, rep)
}
