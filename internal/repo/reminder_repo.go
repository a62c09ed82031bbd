// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file is the queue store for ReminderItem rows.
//
// The queue store exposes the only mutation primitives in the system: upsert
// with an earliest-due-wins merge, terminal-safe status transitions, the
// post-send advance, and the bulk manual updates. No caller mutates reminder
// rows outside these functions, and every mutation appends an audit row.
//
// Identity matching precedence (shared by upsert, lookup, and the bulk
// manual operations):
//  1. exact canonical subject-key match for the row's type;
//  2. rows with a blank subject key match by normalized customer name;
//  3. when no subject key is given at all, matching is by name alone.
//
// Error semantics:
//   - ErrNotFound (= gorm.ErrRecordNotFound) when a row id does not exist.
//   - ErrTerminal when a status change targets a CONFIRMED/CANCELLED row.
//   - Raw gorm errors propagate for DB failures.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/identity"
	"github.com/tbourn/go-reminder-backend/internal/timeutil"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrTerminal is returned when a mutation targets a row whose status is
// already CONFIRMED or CANCELLED. Terminal rows are immutable.
var ErrTerminal = errors.New("reminder is in a terminal state")

// UpsertParams carries one enqueue request into the queue store. Due fields
// are canonical strings (see timeutil); DueDate is the date-only form of the
// requested due day and DueAnchor the full anchor instant.
type UpsertParams struct {
	Type         domain.ReminderType
	Recurrence   domain.Recurrence
	SubjectKey   string // canonical, may be ""
	CustomerName string
	DayKey       string // set only for recurring single-day identities
	DueDate      string // "2006-01-02"
	DueAnchor    string // "2006-01-02 15:04:05"
	CreatedBy    string
	AssignedRep  string
	AssistedRep  string
	NextSteps    string
}

// UpsertReminder creates or refreshes the obligation identified by p.
//
// If an active row matches the identity, the rows are merged: the earliest
// due date wins (a caller's most urgent requirement is never delayed by a
// later, laxer request), status resets to PENDING, and blank display fields
// are filled without overwriting populated ones. Otherwise a fresh PENDING
// row is inserted. The row id is returned either way.
func UpsertReminder(ctx context.Context, db *gorm.DB, p UpsertParams) (string, error) {
	p.Type = domain.NormalizeType(string(p.Type))
	if p.Recurrence == "" {
		p.Recurrence = domain.RecurDaily
	}
	id := domain.ReminderID(p.Type, p.SubjectKey, p.CustomerName, p.DayKey)

	existing, err := findActiveMatch(ctx, db, p)
	if err != nil {
		return "", err
	}
	if existing != nil {
		updates := map[string]any{
			"status":       domain.StatusPending,
			"snooze_until": "",
		}
		if p.DueAnchor < existing.NextDueAt {
			updates["next_due_at"] = p.DueAnchor
		}
		if p.DueDate < existing.FirstDueAt {
			updates["first_due_at"] = p.DueDate
		}
		// Identity and display fields fill blanks only.
		if existing.SubjectKey == "" && p.SubjectKey != "" {
			updates["subject_key"] = p.SubjectKey
		}
		if existing.AssignedRep == "" && p.AssignedRep != "" {
			updates["assigned_rep"] = p.AssignedRep
		}
		if existing.AssistedRep == "" && p.AssistedRep != "" {
			updates["assisted_rep"] = p.AssistedRep
		}
		if existing.NextSteps == "" && p.NextSteps != "" {
			updates["next_steps"] = p.NextSteps
		}
		if err := db.WithContext(ctx).
			Model(&domain.ReminderItem{}).
			Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return "", err
		}
		if err := AppendAudit(ctx, db, existing.ID, existing.SubjectKey, string(p.Type),
			"UPSERT_MERGE", p.CreatedBy, "refreshed, due "+p.DueAnchor); err != nil {
			return "", err
		}
		return existing.ID, nil
	}

	// The id may be occupied by a terminal row from a finished cycle
	// (confirmed and later re-entering the pending set, or a restart that
	// just force-confirmed it). The row is reincarnated as a fresh cycle
	// rather than colliding on the primary key.
	var dead domain.ReminderItem
	err = db.WithContext(ctx).Where("id = ?", id).First(&dead).Error
	if err == nil && dead.Status.Terminal() {
		updates := map[string]any{
			"status":        domain.StatusPending,
			"first_due_at":  p.DueDate,
			"next_due_at":   p.DueAnchor,
			"snooze_until":  "",
			"attempts":      0,
			"last_sent_at":  "",
			"confirmed_at":  "",
			"confirmed_by":  "",
			"cancel_reason": "",
			"created_by":    p.CreatedBy,
		}
		if p.AssignedRep != "" {
			updates["assigned_rep"] = p.AssignedRep
		}
		if p.AssistedRep != "" {
			updates["assisted_rep"] = p.AssistedRep
		}
		if p.NextSteps != "" {
			updates["next_steps"] = p.NextSteps
		}
		if err := db.WithContext(ctx).
			Model(&domain.ReminderItem{}).
			Where("id = ?", id).
			Updates(updates).Error; err != nil {
			return "", err
		}
		if err := AppendAudit(ctx, db, id, dead.SubjectKey, string(p.Type),
			"CYCLE_RESTARTED", p.CreatedBy, "new cycle, due "+p.DueAnchor); err != nil {
			return "", err
		}
		return id, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	item := &domain.ReminderItem{
		ID:           id,
		SubjectKey:   p.SubjectKey,
		CustomerName: identity.NormalizeText(p.CustomerName),
		Type:         p.Type,
		Status:       domain.StatusPending,
		Recurrence:   p.Recurrence,
		FirstDueAt:   p.DueDate,
		NextDueAt:    p.DueAnchor,
		AssignedRep:  p.AssignedRep,
		AssistedRep:  p.AssistedRep,
		NextSteps:    p.NextSteps,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    p.CreatedBy,
	}
	if err := db.WithContext(ctx).Create(item).Error; err != nil {
		return "", err
	}
	if err := AppendAudit(ctx, db, id, p.SubjectKey, string(p.Type),
		"CREATED", p.CreatedBy, "due "+p.DueAnchor); err != nil {
		return "", err
	}
	return id, nil
}

// findActiveMatch locates the active row the upsert should merge into:
// first by exact id, then by the blank-subject name fallback within the type.
func findActiveMatch(ctx context.Context, db *gorm.DB, p UpsertParams) (*domain.ReminderItem, error) {
	id := domain.ReminderID(p.Type, p.SubjectKey, p.CustomerName, p.DayKey)
	var byID domain.ReminderItem
	err := db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, activeStatuses()).
		First(&byID).Error
	if err == nil {
		return &byID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if p.SubjectKey == "" || p.CustomerName == "" {
		return nil, nil
	}
	// A subject-keyed enqueue may still belong to an obligation created
	// before the order number was known; those rows carry a blank subject
	// and are matched by customer name.
	rows, err := scanActive(ctx, db, p.Type)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		r := &rows[i]
		if r.SubjectKey == "" && dayKeyOf(r.ID) == p.DayKey && identity.EqualsCI(r.CustomerName, p.CustomerName) {
			return r, nil
		}
	}
	return nil, nil
}

// FindActive returns all active rows matching the identity, applying the
// package-level precedence rule. types narrows the search when non-empty.
func FindActive(ctx context.Context, db *gorm.DB, subjectKey, customerName string, types ...domain.ReminderType) ([]domain.ReminderItem, error) {
	rows, err := scanActive(ctx, db, types...)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ReminderItem, 0, len(rows))
	for _, r := range rows {
		if matchesIdentity(r, subjectKey, customerName) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListActive returns every PENDING/SNOOZED row, ordered by next due instant.
// The scan is linear; row counts at CRM scale keep this cheap.
func ListActive(ctx context.Context, db *gorm.DB) ([]domain.ReminderItem, error) {
	return scanActive(ctx, db)
}

// ListActivePage returns a page of active rows for the listing endpoint.
func ListActivePage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.ReminderItem, int64, error) {
	var total int64
	if err := db.WithContext(ctx).
		Model(&domain.ReminderItem{}).
		Where("status IN ?", activeStatuses()).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.ReminderItem
	err := db.WithContext(ctx).
		Where("status IN ?", activeStatuses()).
		Order("next_due_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, total, err
}

// GetReminder fetches a single row by id, or ErrNotFound.
func GetReminder(ctx context.Context, db *gorm.DB, id string) (*domain.ReminderItem, error) {
	var r domain.ReminderItem
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// SetStatus transitions the row to status and appends an audit entry.
//
// Terminal rows are frozen: a transition attempt out of CONFIRMED/CANCELLED
// returns ErrTerminal, except for a repeat of the same terminal status which
// is a no-op (idempotent re-confirm). CANCELLED transitions store reason.
func SetStatus(ctx context.Context, db *gorm.DB, zone *timeutil.Zone, id string, status domain.ReminderStatus, actor, note, reason string) error {
	item, err := GetReminder(ctx, db, id)
	if err != nil {
		return err
	}
	if item.Status.Terminal() {
		if item.Status == status {
			return nil
		}
		return ErrTerminal
	}

	updates := map[string]any{"status": status}
	switch status {
	case domain.StatusConfirmed:
		updates["confirmed_at"] = zone.FormatInstant(zone.Now())
		updates["confirmed_by"] = actor
		updates["snooze_until"] = ""
	case domain.StatusCancelled:
		updates["cancel_reason"] = reason
		updates["snooze_until"] = ""
	case domain.StatusPending:
		updates["snooze_until"] = ""
	}
	if err := db.WithContext(ctx).
		Model(&domain.ReminderItem{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return err
	}
	return AppendAudit(ctx, db, id, item.SubjectKey, string(item.Type), string(status), actor, note)
}

// AdvanceAfterSend moves a delivered item to the next daily cycle: the due
// anchor advances by one day, a served snooze flips back to PENDING, the
// attempt counter increments, and the send instant is stamped.
func AdvanceAfterSend(ctx context.Context, db *gorm.DB, zone *timeutil.Zone, item *domain.ReminderItem, now time.Time) error {
	// The next anchor is one day past the delivered one, floored at the next
	// anchor after the send instant. A row snoozed past its original anchor
	// would otherwise land days in the past and re-fire on every run.
	floor := zone.NextAnchorAfter(now)
	next := zone.FormatInstant(floor)
	if t, ok := zone.ParseInstant(item.NextDueAt); ok {
		if candidate := zone.Anchor(timeutil.AddDays(t, 1)); candidate.After(floor) {
			next = zone.FormatInstant(candidate)
		}
	}
	updates := map[string]any{
		"next_due_at":  next,
		"status":       domain.StatusPending,
		"snooze_until": "",
		"attempts":     gorm.Expr("attempts + 1"),
		"last_sent_at": zone.FormatInstant(now),
	}
	if err := db.WithContext(ctx).
		Model(&domain.ReminderItem{}).
		Where("id = ?", item.ID).
		Updates(updates).Error; err != nil {
		return err
	}
	return AppendAudit(ctx, db, item.ID, item.SubjectKey, string(item.Type),
		"SENT", "scheduler", "advanced to "+next)
}

// SnoozeMatching bulk-snoozes every active row matching the identity until
// the given anchor instant. It returns the number of rows changed.
func SnoozeMatching(ctx context.Context, db *gorm.DB, subjectKey, customerName, untilAnchor, actor string) (int, error) {
	rows, err := FindActive(ctx, db, subjectKey, customerName)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, r := range rows {
		if err := db.WithContext(ctx).
			Model(&domain.ReminderItem{}).
			Where("id = ?", r.ID).
			Updates(map[string]any{
				"status":       domain.StatusSnoozed,
				"snooze_until": untilAnchor,
			}).Error; err != nil {
			return changed, err
		}
		if err := AppendAudit(ctx, db, r.ID, r.SubjectKey, string(r.Type),
			"SNOOZED", actor, "SNOOZED until "+untilAnchor); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// CancelMatching bulk-cancels matching active rows, optionally restricted to
// the given types, storing reason on each. Returns the changed count.
func CancelMatching(ctx context.Context, db *gorm.DB, zone *timeutil.Zone, subjectKey, customerName string, types []domain.ReminderType, reason, actor string) (int, error) {
	rows, err := FindActive(ctx, db, subjectKey, customerName, types...)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, r := range rows {
		if err := SetStatus(ctx, db, zone, r.ID, domain.StatusCancelled, actor, "cancelled: "+reason, reason); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// UnsnoozeMatching resets matching SNOOZED and PENDING rows to PENDING with
// the due anchor recomputed from now. Returns the changed count.
func UnsnoozeMatching(ctx context.Context, db *gorm.DB, subjectKey, customerName, nextAnchor, actor string) (int, error) {
	rows, err := FindActive(ctx, db, subjectKey, customerName)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, r := range rows {
		if err := db.WithContext(ctx).
			Model(&domain.ReminderItem{}).
			Where("id = ?", r.ID).
			Updates(map[string]any{
				"status":       domain.StatusPending,
				"snooze_until": "",
				"next_due_at":  nextAnchor,
			}).Error; err != nil {
			return changed, err
		}
		if err := AppendAudit(ctx, db, r.ID, r.SubjectKey, string(r.Type),
			"UNSNOOZED", actor, "due "+nextAnchor); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// ---- helpers ----

func activeStatuses() []domain.ReminderStatus {
	return []domain.ReminderStatus{domain.StatusPending, domain.StatusSnoozed}
}

func scanActive(ctx context.Context, db *gorm.DB, types ...domain.ReminderType) ([]domain.ReminderItem, error) {
	q := db.WithContext(ctx).
		Where("status IN ?", activeStatuses()).
		Order("next_due_at asc")
	if len(types) > 0 {
		names := make([]string, 0, len(types))
		for _, t := range types {
			names = append(names, string(domain.NormalizeType(string(t))))
		}
		q = q.Where("type IN ?", names)
	}
	var out []domain.ReminderItem
	err := q.Find(&out).Error
	return out, err
}

// matchesIdentity applies the documented precedence rule to one row.
func matchesIdentity(r domain.ReminderItem, subjectKey, customerName string) bool {
	if subjectKey != "" {
		if r.SubjectKey == subjectKey {
			return true
		}
		return r.SubjectKey == "" && identity.EqualsCI(r.CustomerName, customerName)
	}
	return identity.EqualsCI(r.CustomerName, customerName)
}

// dayKeyOf extracts the trailing day-key component of a composite id, "" when
// the id has no day component.
func dayKeyOf(id string) string {
	// TYPE|subject|YYYYMMDD
	last := ""
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '|' {
			last = id[i+1:]
			break
		}
	}
	if len(last) == 8 {
		for _, c := range last {
			if c < '0' || c > '9' {
				return ""
			}
		}
		return last
	}
	return ""
}
