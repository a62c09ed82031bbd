package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/http/middleware"
	"github.com/tbourn/go-reminder-backend/internal/services"
)

type fakeEnqueuer struct {
	err error

	statusCalls int
	lastSubject string
	lastStage   string
	lastStatus  string
	lastActor   string
	lastFields  services.EnqueueFields
	lastVisit   string
}

func (f *fakeEnqueuer) OnBusinessStatusChange(_ context.Context, rawSubject, salesStage, customOrderStatus, actor string, fields services.EnqueueFields) error {
	f.statusCalls++
	f.lastSubject, f.lastStage, f.lastStatus, f.lastActor, f.lastFields = rawSubject, salesStage, customOrderStatus, actor, fields
	return f.err
}

func (f *fakeEnqueuer) ScheduleViewingNudge(_ context.Context, rawSubject string, fields services.EnqueueFields, actor, rawVisit string) (string, error) {
	f.lastSubject, f.lastFields, f.lastActor, f.lastVisit = rawSubject, fields, actor, rawVisit
	if f.err != nil {
		return "", f.err
	}
	return "DIAMOND_VIEWING_PROPOSE_NUDGE|000055", nil
}

func (f *fakeEnqueuer) ScheduleViewingUrgent(_ context.Context, rawSubject string, fields services.EnqueueFields, actor string) (string, error) {
	f.lastSubject, f.lastFields, f.lastActor = rawSubject, fields, actor
	if f.err != nil {
		return "", f.err
	}
	return "DIAMOND_VIEWING_URGENT_DAILY|000055|20251020", nil
}

type fakeController struct {
	err     error
	count   int
	until   string
	nextDue string

	lastTypes  []string
	lastReason string
}

func (f *fakeController) Snooze(_ context.Context, _, _, _, _ string) (int, string, error) {
	return f.count, f.until, f.err
}

func (f *fakeController) Cancel(_ context.Context, _, _ string, types []string, reason, _ string) (int, error) {
	f.lastTypes, f.lastReason = types, reason
	return f.count, f.err
}

func (f *fakeController) Unsnooze(_ context.Context, _, _, _ string) (int, string, error) {
	return f.count, f.nextDue, f.err
}

type fakeBatch struct {
	rep *services.RunReport
	err error

	lastForce bool
}

func (f *fakeBatch) Run(_ context.Context, _ time.Time, force bool) (*services.RunReport, error) {
	f.lastForce = force
	return f.rep, f.err
}

type fakeStore struct {
	items []domain.ReminderItem
	audit []domain.AuditEntry
	err   error

	lastOffset int
	lastLimit  int
	lastItemID string
}

func (f *fakeStore) ListActivePage(_ context.Context, offset, limit int) ([]domain.ReminderItem, int64, error) {
	f.lastOffset, f.lastLimit = offset, limit
	return f.items, int64(len(f.items)), f.err
}

func (f *fakeStore) ListAuditPage(_ context.Context, itemID string, offset, limit int) ([]domain.AuditEntry, error) {
	f.lastItemID, f.lastOffset, f.lastLimit = itemID, offset, limit
	return f.audit, f.err
}

func (f *fakeStore) CountAudit(_ context.Context, itemID string) (int64, error) {
	f.lastItemID = itemID
	return int64(len(f.audit)), f.err
}

type harness struct {
	engine *gin.Engine
	enq    *fakeEnqueuer
	ctl    *fakeController
	batch  *fakeBatch
	store  *fakeStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &harness{
		enq:   &fakeEnqueuer{},
		ctl:   &fakeController{},
		batch: &fakeBatch{rep: &services.RunReport{DayKey: "20251020"}},
		store: &fakeStore{},
	}
	hd := New(h.enq, h.ctl, h.batch, h.store)
	h.engine = gin.New()
	h.engine.POST("/orders/status-change", hd.StatusChange)
	h.engine.POST("/viewings/nudge", hd.ViewingNudge)
	h.engine.POST("/viewings/urgent", hd.ViewingUrgent)
	h.engine.POST("/reminders/snooze", hd.Snooze)
	h.engine.POST("/reminders/cancel", hd.Cancel)
	h.engine.POST("/reminders/unsnooze", hd.Unsnooze)
	h.engine.POST("/batch/run", hd.RunBatch)
	h.engine.GET("/reminders", hd.ListReminders)
	h.engine.GET("/audit", hd.ListAudit)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestStatusChange(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/orders/status-change", StatusChangeRequest{
		OrderRef:          "SO-1293",
		CustomerName:      "Jane Doe",
		SalesStage:        "Negotiation",
		CustomOrderStatus: "3D Requested",
		AssignedRep:       "Alex",
	}, map[string]string{"X-Actor": "webhook-crm"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["status"]; got != "accepted" {
		t.Fatalf("body status = %v", got)
	}
	if h.enq.lastSubject != "SO-1293" || h.enq.lastStatus != "3D Requested" || h.enq.lastActor != "webhook-crm" {
		t.Fatalf("enqueue call wrong: %+v", h.enq)
	}
	if h.enq.lastFields.CustomerName != "Jane Doe" || h.enq.lastFields.AssignedRep != "Alex" {
		t.Fatalf("fields not forwarded: %+v", h.enq.lastFields)
	}
}

func TestStatusChange_Validation(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/orders/status-change", StatusChangeRequest{SalesStage: "Lead"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("identity-less payload: status = %d", w.Code)
	}
	if got := decodeBody(t, w)["code"]; got != ErrCodeBadRequest {
		t.Fatalf("code = %v", got)
	}
	if h.enq.statusCalls != 0 {
		t.Fatalf("rejected payload must not enqueue")
	}

	req := httptest.NewRequest(http.MethodPost, "/orders/status-change", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON: status = %d", w.Code)
	}
}

func TestStatusChange_Replay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	enq := &fakeEnqueuer{}
	hd := New(enq, &fakeController{}, &fakeBatch{}, &fakeStore{})

	engine := gin.New()
	engine.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{},
		func(_ context.Context, _, _, _ string, _ time.Time) (bool, error) { return true, nil }))
	engine.POST("/orders/status-change", hd.StatusChange)

	body, _ := json.Marshal(StatusChangeRequest{OrderRef: "SO-1293"})
	req := httptest.NewRequest(http.MethodPost, "/orders/status-change", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderIdempotencyKey, "evt-42")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "replayed" {
		t.Fatalf("body = %v", out)
	}
	if enq.statusCalls != 0 {
		t.Fatalf("replay must not re-enqueue")
	}
}

func TestViewingEndpoints(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/viewings/nudge", ViewingRequest{
		OrderRef:       "SO-55",
		CustomerName:   "Bob Ray",
		ScheduledVisit: "2025-10-20 14:00:00",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("nudge status = %d body=%s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["id"]; got != "DIAMOND_VIEWING_PROPOSE_NUDGE|000055" {
		t.Fatalf("nudge id = %v", got)
	}
	if h.enq.lastVisit != "2025-10-20 14:00:00" {
		t.Fatalf("visit not forwarded: %q", h.enq.lastVisit)
	}

	w = h.do(t, http.MethodPost, "/viewings/urgent", ViewingRequest{CustomerName: "Bob Ray"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("urgent status = %d body=%s", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodPost, "/viewings/nudge", ViewingRequest{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("identity-less viewing: status = %d", w.Code)
	}
}

func TestControlEndpoints(t *testing.T) {
	h := newHarness(t)
	h.ctl.count = 2
	h.ctl.until = "2025-10-20 09:30:00"
	h.ctl.nextDue = "2025-10-21 09:30:00"

	w := h.do(t, http.MethodPost, "/reminders/snooze", SnoozeRequest{OrderRef: "SO-1293", Until: "2025-10-20"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snooze status = %d body=%s", w.Code, w.Body.String())
	}
	out := decodeBody(t, w)
	if out["count"] != float64(2) || out["until"] != "2025-10-20 09:30:00" {
		t.Fatalf("snooze body = %v", out)
	}

	w = h.do(t, http.MethodPost, "/reminders/cancel", CancelRequest{
		OrderRef: "SO-1293",
		Types:    []string{"FOLLOWUP"},
		Reason:   "customer withdrew",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d body=%s", w.Code, w.Body.String())
	}
	if h.ctl.lastReason != "customer withdrew" || len(h.ctl.lastTypes) != 1 {
		t.Fatalf("cancel args not forwarded: %+v", h.ctl)
	}

	w = h.do(t, http.MethodPost, "/reminders/unsnooze", UnsnoozeRequest{OrderRef: "SO-1293"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unsnooze status = %d body=%s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["next_due"]; got != "2025-10-21 09:30:00" {
		t.Fatalf("unsnooze next_due = %v", got)
	}
}

func TestControlEndpoints_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"past snooze date", services.ErrPastSnoozeDate, http.StatusBadRequest},
		{"bad date", services.ErrBadDate, http.StatusBadRequest},
		{"missing reason", services.ErrMissingCancelReason, http.StatusBadRequest},
		{"missing identity", services.ErrMissingIdentity, http.StatusBadRequest},
		{"storage failure", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.ctl.err = tc.err
			w := h.do(t, http.MethodPost, "/reminders/snooze", SnoozeRequest{OrderRef: "SO-1", Until: "2020-01-01"}, nil)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestRunBatch(t *testing.T) {
	h := newHarness(t)
	h.batch.rep = &services.RunReport{DayKey: "20251020", Due: 3, SentOps: true}

	w := h.do(t, http.MethodPost, "/batch/run?force=true", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if !h.batch.lastForce {
		t.Fatalf("force flag not forwarded")
	}
	if got := decodeBody(t, w)["due"]; got != float64(3) {
		t.Fatalf("report not returned: %s", w.Body.String())
	}
}

func TestRunBatch_Errors(t *testing.T) {
	h := newHarness(t)
	h.batch.rep = nil
	h.batch.err = services.ErrRunInProgress
	w := h.do(t, http.MethodPost, "/batch/run", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("in-progress status = %d", w.Code)
	}
	if got := decodeBody(t, w)["code"]; got != ErrCodeConflict {
		t.Fatalf("code = %v", got)
	}

	// Delivery failures still return the partial report for visibility.
	h.batch.rep = &services.RunReport{DayKey: "20251020", Errors: []string{"webhook ops: unexpected status 500"}}
	h.batch.err = errors.New("webhook ops: unexpected status 500")
	w = h.do(t, http.MethodPost, "/batch/run", nil, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("delivery-failure status = %d", w.Code)
	}
	if got := decodeBody(t, w)["day_key"]; got != "20251020" {
		t.Fatalf("partial report missing: %s", w.Body.String())
	}

	h.batch.rep = nil
	h.batch.err = errors.New("sqlite is gone")
	w = h.do(t, http.MethodPost, "/batch/run", nil, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("internal status = %d", w.Code)
	}
}

func TestListReminders(t *testing.T) {
	h := newHarness(t)
	h.store.items = []domain.ReminderItem{{ID: "CUSTOM_ORDER_STATUS|001293"}}

	w := h.do(t, http.MethodGet, "/reminders?page=3&page_size=10", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if h.store.lastOffset != 20 || h.store.lastLimit != 10 {
		t.Fatalf("paging = offset %d limit %d", h.store.lastOffset, h.store.lastLimit)
	}
	out := decodeBody(t, w)
	if out["total"] != float64(1) || out["page"] != float64(3) {
		t.Fatalf("envelope = %v", out)
	}

	// Out-of-range paging inputs fall back to defaults.
	h.do(t, http.MethodGet, "/reminders?page=0&page_size=9999", nil, nil)
	if h.store.lastOffset != 0 || h.store.lastLimit != 20 {
		t.Fatalf("default paging = offset %d limit %d", h.store.lastOffset, h.store.lastLimit)
	}
}

func TestListAudit(t *testing.T) {
	h := newHarness(t)
	h.store.audit = []domain.AuditEntry{{ItemID: "CUSTOM_ORDER_STATUS|001293", Action: "CREATED"}}

	w := h.do(t, http.MethodGet, "/audit?item_id=CUSTOM_ORDER_STATUS%7C001293", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if h.store.lastItemID != "CUSTOM_ORDER_STATUS|001293" {
		t.Fatalf("item_id filter = %q", h.store.lastItemID)
	}
	if got := decodeBody(t, w)["total"]; got != float64(1) {
		t.Fatalf("total = %v", got)
	}
}
