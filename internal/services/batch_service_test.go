package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/repo"
	"github.com/tbourn/go-reminder-backend/internal/timeutil"
)

// fakeDirectory serves canned order records keyed by subject and by
// normalized customer name.
type fakeDirectory struct {
	bySubject map[string]*domain.OrderRecord
	byName    map[string]*domain.OrderRecord
	err       error
}

func (d *fakeDirectory) LookupOrder(_ context.Context, subjectKey string) (*domain.OrderRecord, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.bySubject[subjectKey], nil
}

func (d *fakeDirectory) LookupByCustomer(_ context.Context, customerName string) (*domain.OrderRecord, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.byName[strings.ToLower(strings.TrimSpace(customerName))], nil
}

// fakeChannel records every delivered digest.
type fakeChannel struct {
	configured bool
	fail       error
	sent       []string
}

func (c *fakeChannel) Send(_ context.Context, text string) (bool, error) {
	if text == "" || !c.configured {
		return false, nil
	}
	if c.fail != nil {
		return false, c.fail
	}
	c.sent = append(c.sent, text)
	return true, nil
}

func (c *fakeChannel) Configured() bool { return c.configured }

func newBatchHarness(t *testing.T) (*BatchService, *fakeDirectory, *fakeChannel, *fakeChannel) {
	t.Helper()
	db := newServiceDB(t)
	dir := &fakeDirectory{
		bySubject: map[string]*domain.OrderRecord{},
		byName:    map[string]*domain.OrderRecord{},
	}
	ops := &fakeChannel{configured: true}
	esc := &fakeChannel{configured: true}
	svc := NewBatchService(db, newServiceZone(t), dir, ops, esc)
	svc.PendingStatuses = []string{"3D Requested", "Revision Requested", "In Production"}
	svc.FollowUpStage = "Dormant"
	svc.ViewingStopStatuses = []string{"Delivered", "Viewing Ready", "Deposit Confirmed", "On the Way"}
	svc.RunLockWait = 20 * time.Millisecond
	svc.DeepLinkTemplate = "https://crm.example.test/orders/%s"
	return svc, dir, ops, esc
}

// seedDue inserts an obligation whose anchor was daysAgo days in the past,
// so the next run collects it.
func seedDue(t *testing.T, svc *BatchService, typ domain.ReminderType, rec domain.Recurrence, subject, customer string, daysAgo int) string {
	t.Helper()
	day := timeutil.AddDays(svc.Zone.Now(), -daysAgo)
	id, err := repo.UpsertReminder(context.Background(), svc.DB, repo.UpsertParams{
		Type:         typ,
		Recurrence:   rec,
		SubjectKey:   subject,
		CustomerName: customer,
		DueDate:      svc.Zone.FormatDate(day),
		DueAnchor:    svc.Zone.FormatInstant(svc.Zone.Anchor(day)),
		CreatedBy:    "crm",
	})
	if err != nil {
		t.Fatalf("seed %s: %v", typ, err)
	}
	return id
}

func TestBatchRun_SkipsMarkedDayUnlessForced(t *testing.T) {
	svc, _, ops, _ := newBatchHarness(t)
	ctx := context.Background()
	now := svc.Zone.Now()

	if err := repo.CreateBatchRun(ctx, svc.DB, svc.Zone.DayKey(now), true, false, 0); err != nil {
		t.Fatalf("mark day: %v", err)
	}
	seedDue(t, svc, domain.TypeCustomOrderStatus, domain.RecurDaily, "001293", "Jane Doe", 1)

	rep, err := svc.Run(ctx, now, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Skipped || !strings.Contains(rep.SkipReason, svc.Zone.DayKey(now)) {
		t.Fatalf("marked day must skip: %+v", rep)
	}
	if len(ops.sent) != 0 {
		t.Fatalf("skipped run must not deliver")
	}

	rep, err = svc.Run(ctx, now, true)
	if err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if rep.Skipped || rep.Due != 1 {
		t.Fatalf("forced run must process: %+v", rep)
	}
	if len(ops.sent) != 1 {
		t.Fatalf("forced run must deliver, sent=%d", len(ops.sent))
	}
}

func TestBatchRun_LockTimeout(t *testing.T) {
	svc, _, _, _ := newBatchHarness(t)

	// Hold the lock so the run cannot acquire it within the bounded wait.
	svc.runLock <- struct{}{}
	defer func() { <-svc.runLock }()

	_, err := svc.Run(context.Background(), svc.Zone.Now(), true)
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
}

func TestBatchRun_AutoResolve(t *testing.T) {
	svc, dir, _, _ := newBatchHarness(t)
	ctx := context.Background()

	resolvedCO := seedDue(t, svc, domain.TypeCustomOrderStatus, domain.RecurDaily, "000001", "A One", 1)
	keptCO := seedDue(t, svc, domain.TypeCustomOrderStatus, domain.RecurDaily, "000002", "B Two", 1)
	resolvedFU := seedDue(t, svc, domain.TypeFollowUp, domain.RecurDaily, "000003", "C Three", 1)
	keptUrgent := seedDue(t, svc, domain.TypeViewingUrgentDaily, domain.RecurDaily, "000004", "D Four", 1)
	stoppedUrgent := seedDue(t, svc, domain.TypeViewingUrgentDaily, domain.RecurDaily, "000005", "E Five", 1)
	unknownCO := seedDue(t, svc, domain.TypeCustomOrderStatus, domain.RecurDaily, "000006", "F Six", 1)

	dir.bySubject["000001"] = &domain.OrderRecord{CustomOrderStatus: "Delivered"}
	dir.bySubject["000002"] = &domain.OrderRecord{CustomOrderStatus: "In Production"}
	dir.bySubject["000003"] = &domain.OrderRecord{SalesStage: "Closed Won"}
	// Urgent daily rows ignore the pending set; only the stop set ends them.
	dir.bySubject["000004"] = &domain.OrderRecord{CustomOrderStatus: "Stone Selected"}
	dir.bySubject["000005"] = &domain.OrderRecord{CustomOrderStatus: "Viewing Ready"}
	// 000006 has no record: unknown is never treated as resolved.

	rep, err := svc.Run(ctx, svc.Zone.Now(), true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.AutoResolved != 3 {
		t.Fatalf("auto-resolved %d, want 3: %+v", rep.AutoResolved, rep)
	}

	wantStatus := map[string]domain.ReminderStatus{
		resolvedCO:    domain.StatusConfirmed,
		keptCO:        domain.StatusPending,
		resolvedFU:    domain.StatusConfirmed,
		keptUrgent:    domain.StatusPending,
		stoppedUrgent: domain.StatusConfirmed,
		unknownCO:     domain.StatusPending,
	}
	for id, want := range wantStatus {
		item, err := repo.GetReminder(ctx, svc.DB, id)
		if err != nil {
			t.Fatalf("GetReminder(%s): %v", id, err)
		}
		if item.Status != want {
			t.Fatalf("%s status = %s, want %s", id, item.Status, want)
		}
	}
}

func TestBatchRun_CollectsAndComposesDigests(t *testing.T) {
	svc, _, ops, esc := newBatchHarness(t)
	ctx := context.Background()

	seedDue(t, svc, domain.TypeCustomOrderStatus, domain.RecurDaily, "001293", "JANE DOE", 1)
	seedDue(t, svc, domain.TypeViewingProposeNudge, domain.RecurOnce, "000055", "Bob Ray", 1)
	// Five days overdue: pulled into the escalation bucket instead.
	seedDue(t, svc, domain.TypeFollowUp, domain.RecurDaily, "000099", "Slow Mover", 5)
	// Not yet due.
	future := seedDue(t, svc, domain.TypeCustomOrderStatus, domain.RecurDaily, "000777", "Early Bird", -3)
	// Snoozed past today: the snooze gate holds it back.
	snoozed := seedDue(t, svc, domain.TypeCustomOrderStatus, domain.RecurDaily, "000888", "Nap Taker", 1)
	holdUntil := svc.Zone.FormatInstant(svc.Zone.Anchor(timeutil.AddDays(svc.Zone.Now(), 4)))
	if err := svc.DB.Model(&domain.ReminderItem{}).Where("id = ?", snoozed).
		Updates(map[string]any{"status": domain.StatusSnoozed, "snooze_until": holdUntil}).Error; err != nil {
		t.Fatalf("snooze seed: %v", err)
	}

	rep, err := svc.Run(ctx, svc.Zone.Now(), true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Due != 3 || rep.Escalated != 1 {
		t.Fatalf("due=%d escalated=%d, want 3/1: %+v", rep.Due, rep.Escalated, rep)
	}
	if !rep.SentOps || !rep.SentEsc {
		t.Fatalf("both digests must deliver: %+v", rep)
	}

	opsText := ops.sent[0]
	if !strings.Contains(opsText, "custom orders: 1, viewings: 1, follow-ups: 0") {
		t.Fatalf("operational header wrong:\n%s", opsText)
	}
	if !strings.Contains(opsText, "00.1293") {
		t.Fatalf("order number must render pretty:\n%s", opsText)
	}
	if !strings.Contains(opsText, "Jane Doe") {
		t.Fatalf("customer name must render title-cased:\n%s", opsText)
	}
	if !strings.Contains(opsText, "https://crm.example.test/orders/001293") {
		t.Fatalf("deep link missing:\n%s", opsText)
	}
	if strings.Contains(opsText, "000099") || strings.Contains(opsText, "00.0099") {
		t.Fatalf("escalated item must not leak into the operational digest:\n%s", opsText)
	}

	escText := esc.sent[0]
	if !strings.Contains(escText, "overdue 3+ days") || !strings.Contains(escText, "00.0099") {
		t.Fatalf("escalation digest wrong:\n%s", escText)
	}

	for _, id := range []string{future, snoozed} {
		item, err := repo.GetReminder(ctx, svc.DB, id)
		if err != nil {
			t.Fatalf("GetReminder(%s): %v", id, err)
		}
		if item.Attempts != 0 {
			t.Fatalf("%s must not have been sent: %+v", id, item)
		}
	}
}

func TestBatchRun_AdvancesAndMarksDay(t *testing.T) {
	svc, _, _, _ := newBatchHarness(t)
	ctx := context.Background()
	now := svc.Zone.Now()

	daily := seedDue(t, svc, domain.TypeCustomOrderStatus, domain.RecurDaily, "001293", "Jane Doe", 1)
	once := seedDue(t, svc, domain.TypeViewingProposeNudge, domain.RecurOnce, "000055", "Bob Ray", 1)

	rep, err := svc.Run(ctx, now, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Recurring items move one day forward and count the attempt.
	item, err := repo.GetReminder(ctx, svc.DB, daily)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	wantNext := svc.Zone.FormatInstant(svc.Zone.NextAnchorAfter(now))
	if item.NextDueAt != wantNext {
		t.Fatalf("next due = %q, want %q", item.NextDueAt, wantNext)
	}
	if item.Status != domain.StatusPending || item.Attempts != 1 || item.LastSentAt == "" {
		t.Fatalf("daily item not advanced: %+v", item)
	}

	// Single-fire items are confirmed outright after delivery.
	nudge, err := repo.GetReminder(ctx, svc.DB, once)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if nudge.Status != domain.StatusConfirmed {
		t.Fatalf("single-fire item must confirm after delivery: %+v", nudge)
	}
	entries, err := repo.ListAuditPage(ctx, svc.DB, once, 0, 5)
	if err != nil {
		t.Fatalf("ListAuditPage: %v", err)
	}
	var sawDelivered bool
	for _, e := range entries {
		if e.Note == "single-fire reminder delivered" {
			sawDelivered = true
		}
	}
	if !sawDelivered {
		t.Fatalf("missing single-fire audit note: %+v", entries)
	}

	run, err := repo.GetBatchRun(ctx, svc.DB, rep.DayKey)
	if err != nil {
		t.Fatalf("GetBatchRun: %v", err)
	}
	if !run.SentOperational || run.ItemCount != 2 {
		t.Fatalf("day marker wrong: %+v", run)
	}
}

func TestBatchRun_ServedSnoozeAdvancesFromSendDay(t *testing.T) {
	svc, _, _, _ := newBatchHarness(t)
	ctx := context.Background()
	now := svc.Zone.Now()

	// Due three days ago, snoozed past the original anchor; the snooze has
	// expired so this run delivers it.
	id := seedDue(t, svc, domain.TypeCustomOrderStatus, domain.RecurDaily, "001293", "Jane Doe", 3)
	expired := svc.Zone.FormatInstant(svc.Zone.Anchor(timeutil.AddDays(now, -1)))
	if err := svc.DB.Model(&domain.ReminderItem{}).Where("id = ?", id).
		Updates(map[string]any{"status": domain.StatusSnoozed, "snooze_until": expired}).Error; err != nil {
		t.Fatalf("snooze seed: %v", err)
	}

	rep, err := svc.Run(ctx, now, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Due != 1 {
		t.Fatalf("expired snooze must be collected: %+v", rep)
	}

	item, err := repo.GetReminder(ctx, svc.DB, id)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	// The next anchor follows the send day; advancing the stale anchor by
	// one day would leave it two days in the past.
	wantNext := svc.Zone.FormatInstant(svc.Zone.NextAnchorAfter(now))
	if item.NextDueAt != wantNext {
		t.Fatalf("next due = %q, want %q", item.NextDueAt, wantNext)
	}
	if item.Status != domain.StatusPending || item.SnoozeUntil != "" {
		t.Fatalf("served snooze must resume as pending: %+v", item)
	}
}

func TestBatchRun_NothingToSendStillMarksDay(t *testing.T) {
	svc, _, ops, esc := newBatchHarness(t)
	ops.configured = false
	esc.configured = false
	ctx := context.Background()

	rep, err := svc.Run(ctx, svc.Zone.Now(), true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.SentOps || rep.SentEsc || rep.Due != 0 {
		t.Fatalf("empty run report wrong: %+v", rep)
	}
	if _, err := repo.GetBatchRun(ctx, svc.DB, rep.DayKey); err != nil {
		t.Fatalf("empty day must still be marked handled: %v", err)
	}
}

func TestBatchRun_DeliveryFailure(t *testing.T) {
	svc, _, ops, _ := newBatchHarness(t)
	ops.fail = errors.New("webhook operational: unexpected status 500")
	ctx := context.Background()
	now := svc.Zone.Now()

	daily := seedDue(t, svc, domain.TypeCustomOrderStatus, domain.RecurDaily, "001293", "Jane Doe", 1)
	once := seedDue(t, svc, domain.TypeViewingProposeNudge, domain.RecurOnce, "000055", "Bob Ray", 1)

	rep, err := svc.Run(ctx, now, true)
	if err == nil {
		t.Fatalf("delivery failure must surface as an error")
	}
	if rep == nil || len(rep.Errors) == 0 {
		t.Fatalf("report must carry the delivery error: %+v", rep)
	}

	// The advance step still ran, so the queue cannot wedge on a webhook
	// outage, but the day is not marked: the safety sweep will retry.
	item, getErr := repo.GetReminder(ctx, svc.DB, daily)
	if getErr != nil {
		t.Fatalf("GetReminder: %v", getErr)
	}
	if item.Attempts != 1 {
		t.Fatalf("advance must run despite delivery failure: %+v", item)
	}

	// A single-fire nudge whose digest was rejected has no next cycle to
	// absorb the loss; it must stay pending so the retry can deliver it.
	nudge, getErr := repo.GetReminder(ctx, svc.DB, once)
	if getErr != nil {
		t.Fatalf("GetReminder: %v", getErr)
	}
	if nudge.Status != domain.StatusPending {
		t.Fatalf("undelivered single-fire nudge must stay pending, got %s", nudge.Status)
	}

	if _, err := repo.GetBatchRun(ctx, svc.DB, rep.DayKey); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("failed day must stay unmarked, got %v", err)
	}
}
