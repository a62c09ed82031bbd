// Package services – BatchService
//
// This file implements the daily batch runner, the central scheduler pass:
// it acquires the run lock, auto-resolves obligations whose underlying
// business condition no longer holds, collects due items, partitions them
// into operational buckets with a mutually exclusive overdue/escalated
// bucket, composes the two digests, delivers them to the outbound channels,
// advances the recurring items, and marks the day complete.
//
// Ordering inside one run is load-bearing: auto-resolve always precedes
// collection (an item resolved moments ago is never sent), and
// classification precedes escalation partitioning (an item can never appear
// in two buckets). Failures on a single row skip that row and never abort
// the whole batch; delivery failures on one channel never block the other
// channel or the advance step.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/identity"
	"github.com/tbourn/go-reminder-backend/internal/notify"
	"github.com/tbourn/go-reminder-backend/internal/repo"
	"github.com/tbourn/go-reminder-backend/internal/timeutil"
)

var (
	batchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_batch_runs_total",
			Help: "Total batch runs by outcome.",
		},
		[]string{"outcome"},
	)
	remindersSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reminders_sent_total",
			Help: "Total reminder items included in delivered digests.",
		},
	)
)

func init() {
	prometheus.MustRegister(batchRuns, remindersSent)
}

// titleCaser renders customer names consistently in digest lines.
var titleCaser = cases.Title(language.English)

// RunReport summarizes one batch run for callers and logs.
type RunReport struct {
	DayKey       string   `json:"day_key"`
	Skipped      bool     `json:"skipped"`
	SkipReason   string   `json:"skip_reason,omitempty"`
	AutoResolved int      `json:"auto_resolved"`
	Due          int      `json:"due"`
	Escalated    int      `json:"escalated"`
	SentOps      bool     `json:"sent_operational"`
	SentEsc      bool     `json:"sent_escalation"`
	Errors       []string `json:"errors,omitempty"`
}

// BatchService runs the daily reminder pass.
type BatchService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Zone fixes the organizational timezone and daily anchor.
	Zone *timeutil.Zone
	// Directory is the read-only order system of record.
	Directory OrderDirectory
	// Ops and Escalation are the outbound digest channels.
	Ops        notify.Channel
	Escalation notify.Channel

	// Policy knobs; see config.SchedulerConfig.
	PendingStatuses     []string
	FollowUpStage       string
	ViewingStopStatuses []string
	GraceWindow         time.Duration
	EscalationAfterDays int
	RunLockWait         time.Duration
	DeepLinkTemplate    string

	// runLock serializes runs; overlapping daily and safety triggers must
	// never double-send.
	runLock chan struct{}
}

// NewBatchService wires a BatchService and initializes its run lock.
func NewBatchService(db *gorm.DB, zone *timeutil.Zone, dir OrderDirectory, ops, esc notify.Channel) *BatchService {
	return &BatchService{
		DB:                  db,
		Zone:                zone,
		Directory:           dir,
		Ops:                 ops,
		Escalation:          esc,
		GraceWindow:         5 * time.Minute,
		EscalationAfterDays: 3,
		RunLockWait:         20 * time.Second,
		runLock:             make(chan struct{}, 1),
	}
}

// Run executes one batch pass for the calendar day of now. Unless force is
// set, a day whose completion marker already exists is skipped (the hourly
// safety sweep path). ErrRunInProgress is returned when the run lock cannot
// be acquired within the bounded wait; no state is mutated in that case.
func (s *BatchService) Run(ctx context.Context, now time.Time, force bool) (*RunReport, error) {
	now = now.In(s.Zone.Location())
	rep := &RunReport{DayKey: s.Zone.DayKey(now)}

	if !force {
		if _, err := repo.GetBatchRun(ctx, s.DB, rep.DayKey); err == nil {
			rep.Skipped = true
			rep.SkipReason = "already sent for " + rep.DayKey
			batchRuns.WithLabelValues("skipped").Inc()
			return rep, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	select {
	case s.runLock <- struct{}{}:
		defer func() { <-s.runLock }()
	case <-time.After(s.RunLockWait):
		batchRuns.WithLabelValues("lock_timeout").Inc()
		return nil, ErrRunInProgress
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rep.AutoResolved = s.autoResolve(ctx, now, rep)

	due := s.collectDue(ctx, now, rep)
	rep.Due = len(due)

	buckets := s.classify(due, now)
	rep.Escalated = len(buckets.escalated)

	opsText := s.composeOperational(ctx, buckets, now)
	escText := s.composeEscalation(ctx, buckets, now)

	var deliveryErrs []error
	if ok, err := s.Ops.Send(ctx, opsText); err != nil {
		deliveryErrs = append(deliveryErrs, err)
		rep.Errors = append(rep.Errors, err.Error())
		log.Error().Err(err).Msg("operational digest delivery failed")
	} else {
		rep.SentOps = ok
	}
	if ok, err := s.Escalation.Send(ctx, escText); err != nil {
		deliveryErrs = append(deliveryErrs, err)
		rep.Errors = append(rep.Errors, err.Error())
		log.Error().Err(err).Msg("escalation digest delivery failed")
	} else {
		rep.SentEsc = ok
	}

	// The advance step runs even after a delivery failure so a transient
	// webhook outage cannot freeze the queue into resending the same day.
	// Single-fire rows are the exception: they only confirm when the digest
	// that carried them was accepted.
	s.advance(ctx, buckets, now, rep)

	// "Nothing to send" covers empty digests and unconfigured channels; in
	// both cases the day still counts as handled.
	nothingToSend := (opsText == "" || !s.Ops.Configured()) &&
		(escText == "" || !s.Escalation.Configured())
	if rep.SentOps || rep.SentEsc || (nothingToSend && len(deliveryErrs) == 0) {
		err := repo.CreateBatchRun(ctx, s.DB, rep.DayKey, rep.SentOps, rep.SentEsc, rep.Due)
		if err != nil && !errors.Is(err, repo.ErrDuplicate) {
			rep.Errors = append(rep.Errors, err.Error())
		}
	}

	if len(deliveryErrs) > 0 {
		batchRuns.WithLabelValues("delivery_error").Inc()
		return rep, errors.Join(deliveryErrs...)
	}
	batchRuns.WithLabelValues("ok").Inc()
	remindersSent.Add(float64(rep.Due))
	return rep, nil
}

// autoResolve confirms every active obligation whose justifying business
// condition no longer holds, and returns the number of rows confirmed.
//
// Urgent daily viewing rows are exempt from the generic pass: their policy
// is to keep firing until a dedicated stop state (delivered, viewing ready,
// deposit confirmed, on the way) is reached.
func (s *BatchService) autoResolve(ctx context.Context, now time.Time, rep *RunReport) int {
	rows, err := repo.ListActive(ctx, s.DB)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		return 0
	}

	resolved := 0
	for _, r := range rows {
		rec, err := s.lookup(ctx, r)
		if err != nil {
			log.Warn().Err(err).Str("id", r.ID).Msg("auto-resolve lookup failed, skipping row")
			continue
		}
		if rec == nil {
			// Unknown order: unknown is never treated as resolved.
			continue
		}

		note := ""
		switch domain.NormalizeType(string(r.Type)) {
		case domain.TypeViewingUrgentDaily:
			if s.inStopSet(rec) {
				note = "viewing reached stop state (" + rec.CustomOrderStatus + ")"
			}
		case domain.TypeViewingProposeNudge:
			if s.inStopSet(rec) {
				note = "viewing already resolved (" + rec.CustomOrderStatus + ")"
			}
		case domain.TypeCustomOrderStatus:
			if !s.inPendingSet(rec.CustomOrderStatus) {
				note = "left pending set (" + rec.CustomOrderStatus + ")"
			}
		case domain.TypeFollowUp:
			if !identity.EqualsCI(rec.SalesStage, s.FollowUpStage) {
				note = "moved off follow-up stage (" + rec.SalesStage + ")"
			}
		}
		if note == "" {
			continue
		}
		if err := repo.SetStatus(ctx, s.DB, s.Zone, r.ID, domain.StatusConfirmed, "scheduler", note, ""); err != nil {
			log.Warn().Err(err).Str("id", r.ID).Msg("auto-resolve transition failed, skipping row")
			continue
		}
		resolved++
	}
	return resolved
}

// collectDue selects the active rows whose due anchor has passed (within the
// grace window) and whose snooze, if any, has expired. Rows with malformed
// due strings are skipped, never coerced to "due now".
func (s *BatchService) collectDue(ctx context.Context, now time.Time, rep *RunReport) []domain.ReminderItem {
	rows, err := repo.ListActive(ctx, s.DB)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		return nil
	}

	cutoff := s.Zone.FormatInstant(now.Add(s.GraceWindow))
	nowStr := s.Zone.FormatInstant(now)
	due := make([]domain.ReminderItem, 0, len(rows))
	for _, r := range rows {
		if _, ok := s.Zone.ParseInstant(r.NextDueAt); !ok {
			log.Warn().Str("id", r.ID).Str("next_due_at", r.NextDueAt).Msg("malformed due instant, skipping row")
			continue
		}
		if r.NextDueAt > cutoff {
			continue
		}
		if r.Status == domain.StatusSnoozed && r.SnoozeUntil > nowStr {
			continue
		}
		due = append(due, r)
	}
	return due
}

// dueBuckets is the classification of one run's due items. The escalated
// bucket is mutually exclusive with the three normal buckets.
type dueBuckets struct {
	custom    []domain.ReminderItem
	viewing   []domain.ReminderItem
	followUp  []domain.ReminderItem
	escalated []domain.ReminderItem
}

// classify partitions due items into their type buckets, pulling any item
// whose first due date is stale by the escalation threshold into the
// overdue/escalated bucket instead.
func (s *BatchService) classify(due []domain.ReminderItem, now time.Time) dueBuckets {
	var b dueBuckets
	for _, r := range due {
		if first, ok := s.Zone.ParseDate(r.FirstDueAt); ok {
			if timeutil.CalendarDaysBetween(first, now) >= s.EscalationAfterDays {
				b.escalated = append(b.escalated, r)
				continue
			}
		}
		switch domain.NormalizeType(string(r.Type)) {
		case domain.TypeViewingProposeNudge, domain.TypeViewingUrgentDaily:
			b.viewing = append(b.viewing, r)
		case domain.TypeFollowUp:
			b.followUp = append(b.followUp, r)
		default:
			b.custom = append(b.custom, r)
		}
	}
	return b
}

// composeOperational builds the primary digest: counts per bucket plus one
// line per due item. An empty digest (nothing due) is "".
func (s *BatchService) composeOperational(ctx context.Context, b dueBuckets, now time.Time) string {
	total := len(b.custom) + len(b.viewing) + len(b.followUp)
	if total == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reminders for %s — %d due (custom orders: %d, viewings: %d, follow-ups: %d)\n",
		s.Zone.FormatDate(now), total, len(b.custom), len(b.viewing), len(b.followUp))

	writeSection := func(title string, items []domain.ReminderItem) {
		if len(items) == 0 {
			return
		}
		sb.WriteString("\n" + title + "\n")
		for _, r := range items {
			sb.WriteString(s.itemLine(ctx, r))
		}
	}
	writeSection("Custom order status", b.custom)
	writeSection("Diamond viewings", b.viewing)
	writeSection("Sales follow-ups", b.followUp)
	return sb.String()
}

// composeEscalation builds the escalation-only digest for the separate
// audience: overdue counts and the escalated items with rep attribution.
func (s *BatchService) composeEscalation(ctx context.Context, b dueBuckets, now time.Time) string {
	if len(b.escalated) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escalations for %s — %d item(s) overdue %d+ days\n",
		s.Zone.FormatDate(now), len(b.escalated), s.EscalationAfterDays)
	for _, r := range b.escalated {
		sb.WriteString(s.itemLine(ctx, r))
	}
	return sb.String()
}

// itemLine renders one digest line: subject, customer, reps, status/next-step
// text, and a deep link back to the source record when configured. Display
// data is refreshed best-effort from the order system.
func (s *BatchService) itemLine(ctx context.Context, r domain.ReminderItem) string {
	assigned, assisted, steps := r.AssignedRep, r.AssistedRep, r.NextSteps
	status := ""
	if rec, err := s.lookup(ctx, r); err == nil && rec != nil {
		if assigned == "" {
			assigned = rec.AssignedRep
		}
		if assisted == "" {
			assisted = rec.AssistedRep
		}
		if steps == "" {
			steps = rec.NextSteps
		}
		status = rec.CustomOrderStatus
	}

	var sb strings.Builder
	sb.WriteString("• ")
	if r.SubjectKey != "" {
		sb.WriteString(identity.PrettyOrderKey(r.SubjectKey))
	} else {
		sb.WriteString("(no order #)")
	}
	if r.CustomerName != "" {
		sb.WriteString(" — " + titleCaser.String(strings.ToLower(r.CustomerName)))
	}
	if assigned != "" || assisted != "" {
		sb.WriteString(" — rep: " + assigned)
		if assisted != "" {
			sb.WriteString(" / " + assisted)
		}
	}
	if status != "" {
		sb.WriteString(" — " + status)
	}
	if steps != "" {
		sb.WriteString(" — next: " + steps)
	}
	if s.DeepLinkTemplate != "" && r.SubjectKey != "" {
		sb.WriteString(" — " + fmt.Sprintf(s.DeepLinkTemplate, r.SubjectKey))
	}
	sb.WriteString("\n")
	return sb.String()
}

// advance moves every collected item to its next cycle: recurring rows get a
// +1 day anchor (a served snooze flips back to PENDING) whether or not the
// digest went out, since losing a channel for a day only delays them. A
// single-fire row is confirmed only after the digest carrying it was
// accepted; on a failed delivery it stays PENDING so the next run retries.
// Rows resolved or cancelled since collection are left alone.
func (s *BatchService) advance(ctx context.Context, b dueBuckets, now time.Time, rep *RunReport) {
	step := func(items []domain.ReminderItem, delivered bool) {
		for _, r := range items {
			current, err := repo.GetReminder(ctx, s.DB, r.ID)
			if err != nil || !current.Status.Active() {
				continue
			}
			if current.Recurrence == domain.RecurOnce {
				if !delivered {
					continue
				}
				if err := repo.SetStatus(ctx, s.DB, s.Zone, r.ID, domain.StatusConfirmed, "scheduler",
					"single-fire reminder delivered", ""); err != nil {
					log.Warn().Err(err).Str("id", r.ID).Msg("single-fire confirm failed")
					rep.Errors = append(rep.Errors, err.Error())
				}
				continue
			}
			if err := repo.AdvanceAfterSend(ctx, s.DB, s.Zone, current, now); err != nil {
				log.Warn().Err(err).Str("id", r.ID).Msg("advance failed")
				rep.Errors = append(rep.Errors, err.Error())
			}
		}
	}
	step(b.custom, rep.SentOps)
	step(b.viewing, rep.SentOps)
	step(b.followUp, rep.SentOps)
	step(b.escalated, rep.SentEsc)
}

// lookup resolves the order record behind a reminder, by subject key first
// and by customer name for rows created before an order number was known.
func (s *BatchService) lookup(ctx context.Context, r domain.ReminderItem) (*domain.OrderRecord, error) {
	if r.SubjectKey != "" {
		return s.Directory.LookupOrder(ctx, r.SubjectKey)
	}
	if r.CustomerName != "" {
		return s.Directory.LookupByCustomer(ctx, r.CustomerName)
	}
	return nil, nil
}

// inPendingSet reports whether status is in the configured pending set.
func (s *BatchService) inPendingSet(status string) bool {
	for _, p := range s.PendingStatuses {
		if identity.EqualsCI(p, status) {
			return true
		}
	}
	return false
}

// inStopSet reports whether the record has reached a diamond-viewing stop
// state, on either its sales stage or its custom-order status.
func (s *BatchService) inStopSet(rec *domain.OrderRecord) bool {
	for _, p := range s.ViewingStopStatuses {
		if identity.EqualsCI(p, rec.CustomOrderStatus) || identity.EqualsCI(p, rec.SalesStage) {
			return true
		}
	}
	return false
}
