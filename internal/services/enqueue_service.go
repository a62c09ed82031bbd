// Package services – EnqueueService
//
// This file implements the enqueue side of the reminder queue: the functions
// invoked when upstream business state changes. It translates the order
// system's string-typed stages into obligations at the boundary, computes due
// anchors, and drives the queue store's earliest-wins upsert. A "restart"
// enqueue force-closes the prior obligation cycle before opening a new one.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/identity"
	"github.com/tbourn/go-reminder-backend/internal/repo"
	"github.com/tbourn/go-reminder-backend/internal/timeutil"
)

// EnqueueFields carries the denormalized display data an enqueue may attach
// to an obligation. Blank fields are left for a later refresh to fill.
type EnqueueFields struct {
	CustomerName string
	AssignedRep  string
	AssistedRep  string
	NextSteps    string
}

// EnqueueService creates and refreshes obligations from business events.
type EnqueueService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Zone fixes the organizational timezone and daily anchor.
	Zone *timeutil.Zone

	// PendingStatuses is the custom-order-status set that keeps an
	// obligation open; RestartStatuses is the subset (revision requests)
	// that restarts the cycle.
	PendingStatuses []string
	RestartStatuses []string
	// FollowUpStage triggers FOLLOWUP obligations.
	FollowUpStage string

	// CustomOrderDueDays is the T+N offset for custom-order obligations,
	// counted in business days when DueBusinessDays is set.
	CustomOrderDueDays int
	DueBusinessDays    bool
	// NudgeLeadDays schedules a viewing nudge N days before the visit;
	// NudgeFallbackDays applies when no visit date is known.
	NudgeLeadDays     int
	NudgeFallbackDays int
}

// ScheduleCustomOrderStatus upserts a CUSTOM_ORDER_STATUS obligation for the
// order, due T+N days from now. With restart, every active obligation in the
// custom-order family for this subject is first force-confirmed with a
// "superseded" note — including blank-subject rows matched by customer name,
// which catches obligations created before the order number was known.
func (s *EnqueueService) ScheduleCustomOrderStatus(ctx context.Context, rawSubject string, f EnqueueFields, actor string, restart bool) (string, error) {
	subject := identity.CanonicalOrderKey(rawSubject)
	if restart {
		rows, err := repo.FindActive(ctx, s.DB, subject, f.CustomerName, domain.TypeCustomOrderStatus)
		if err != nil {
			return "", err
		}
		for _, r := range rows {
			if err := repo.SetStatus(ctx, s.DB, s.Zone, r.ID, domain.StatusConfirmed, actor,
				"superseded by new obligation cycle", ""); err != nil {
				return "", err
			}
		}
	}

	now := s.Zone.Now()
	due := now
	if s.DueBusinessDays {
		due = timeutil.AddBusinessDays(now, s.CustomOrderDueDays)
	} else {
		due = timeutil.AddDays(now, s.CustomOrderDueDays)
	}
	return repo.UpsertReminder(ctx, s.DB, repo.UpsertParams{
		Type:         domain.TypeCustomOrderStatus,
		Recurrence:   domain.RecurDaily,
		SubjectKey:   subject,
		CustomerName: f.CustomerName,
		DueDate:      s.Zone.FormatDate(due),
		DueAnchor:    s.Zone.FormatInstant(s.Zone.Anchor(due)),
		CreatedBy:    actor,
		AssignedRep:  f.AssignedRep,
		AssistedRep:  f.AssistedRep,
		NextSteps:    f.NextSteps,
	})
}

// EnsureFollowUp upserts a FOLLOWUP obligation due at the next daily anchor
// strictly after now: today's if the anchor has not passed, else tomorrow's.
func (s *EnqueueService) EnsureFollowUp(ctx context.Context, rawSubject string, f EnqueueFields, actor string) (string, error) {
	anchor := s.Zone.NextAnchorAfter(s.Zone.Now())
	return repo.UpsertReminder(ctx, s.DB, repo.UpsertParams{
		Type:         domain.TypeFollowUp,
		Recurrence:   domain.RecurDaily,
		SubjectKey:   identity.CanonicalOrderKey(rawSubject),
		CustomerName: f.CustomerName,
		DueDate:      s.Zone.FormatDate(anchor),
		DueAnchor:    s.Zone.FormatInstant(anchor),
		CreatedBy:    actor,
		AssignedRep:  f.AssignedRep,
		AssistedRep:  f.AssistedRep,
		NextSteps:    f.NextSteps,
	})
}

// OnBusinessStatusChange is the orchestration entry point called whenever the
// order system's status fields change.
//
// Custom-order handling: a status inside the pending set schedules (or
// refreshes) the obligation, restarting the cycle when the status is a
// revision request; a status outside the set auto-confirms every active
// custom-order obligation for the subject. Follow-up handling: the
// configured trigger stage ensures a FOLLOWUP obligation; any other stage
// auto-confirms an existing one.
func (s *EnqueueService) OnBusinessStatusChange(ctx context.Context, rawSubject, salesStage, customOrderStatus, actor string, f EnqueueFields) error {
	subject := identity.CanonicalOrderKey(rawSubject)
	if err := s.recordSnapshot(ctx, subject, f, salesStage, customOrderStatus, ""); err != nil {
		return err
	}

	if s.inPendingSet(customOrderStatus) {
		restart := s.isRestartStatus(customOrderStatus)
		if _, err := s.ScheduleCustomOrderStatus(ctx, rawSubject, f, actor, restart); err != nil {
			return err
		}
	} else {
		rows, err := repo.FindActive(ctx, s.DB, subject, f.CustomerName, domain.TypeCustomOrderStatus)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := repo.SetStatus(ctx, s.DB, s.Zone, r.ID, domain.StatusConfirmed, actor,
				"left pending set ("+customOrderStatus+")", ""); err != nil {
				return err
			}
		}
	}

	if identity.EqualsCI(salesStage, s.FollowUpStage) {
		if _, err := s.EnsureFollowUp(ctx, rawSubject, f, actor); err != nil {
			return err
		}
	} else {
		rows, err := repo.FindActive(ctx, s.DB, subject, f.CustomerName, domain.TypeFollowUp)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := repo.SetStatus(ctx, s.DB, s.Zone, r.ID, domain.StatusConfirmed, actor,
				"moved off follow-up stage ("+salesStage+")", ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// ScheduleViewingNudge upserts the single-fire diamond-viewing nudge. When
// the visit instant is known it fires NudgeLeadDays before the viewing;
// otherwise NudgeFallbackDays after now. Past-dated leads clamp to the next
// anchor so the nudge still fires once. The id carries no day component: the
// nudge fires once and is auto-confirmed after its first successful send.
func (s *EnqueueService) ScheduleViewingNudge(ctx context.Context, rawSubject string, f EnqueueFields, actor, rawVisit string) (string, error) {
	if err := s.recordSnapshot(ctx, identity.CanonicalOrderKey(rawSubject), f, "", "", rawVisit); err != nil {
		return "", err
	}
	now := s.Zone.Now()
	dueDay := timeutil.AddDays(now, s.NudgeFallbackDays)
	if visit, ok := s.Zone.ToCanonicalInstant(rawVisit); ok {
		lead := timeutil.AddDays(visit, -s.NudgeLeadDays)
		if lead.After(now) {
			dueDay = lead
		} else {
			dueDay = s.Zone.NextAnchorAfter(now)
		}
	}
	return repo.UpsertReminder(ctx, s.DB, repo.UpsertParams{
		Type:         domain.TypeViewingProposeNudge,
		Recurrence:   domain.RecurOnce,
		SubjectKey:   identity.CanonicalOrderKey(rawSubject),
		CustomerName: f.CustomerName,
		DueDate:      s.Zone.FormatDate(dueDay),
		DueAnchor:    s.Zone.FormatInstant(s.Zone.Anchor(dueDay)),
		CreatedBy:    actor,
		AssignedRep:  f.AssignedRep,
		AssistedRep:  f.AssistedRep,
		NextSteps:    f.NextSteps,
	})
}

// ScheduleViewingUrgent upserts the recurring urgent daily viewing reminder
// for one calendar day. The id includes the day key, so a new calendar day
// always produces a distinct, non-duplicating obligation.
func (s *EnqueueService) ScheduleViewingUrgent(ctx context.Context, rawSubject string, f EnqueueFields, actor string) (string, error) {
	if err := s.recordSnapshot(ctx, identity.CanonicalOrderKey(rawSubject), f, "", "", ""); err != nil {
		return "", err
	}
	now := s.Zone.Now()
	anchor := s.Zone.NextAnchorAfter(now)
	return repo.UpsertReminder(ctx, s.DB, repo.UpsertParams{
		Type:         domain.TypeViewingUrgentDaily,
		Recurrence:   domain.RecurDaily,
		SubjectKey:   identity.CanonicalOrderKey(rawSubject),
		CustomerName: f.CustomerName,
		DayKey:       s.Zone.DayKey(anchor),
		DueDate:      s.Zone.FormatDate(anchor),
		DueAnchor:    s.Zone.FormatInstant(anchor),
		CreatedBy:    actor,
		AssignedRep:  f.AssignedRep,
		AssistedRep:  f.AssistedRep,
		NextSteps:    f.NextSteps,
	})
}

// recordSnapshot refreshes the order's mirrored business state. Rows with
// neither subject nor customer name carry no identity worth mirroring; they
// are skipped silently.
func (s *EnqueueService) recordSnapshot(ctx context.Context, subject string, f EnqueueFields, salesStage, customOrderStatus, visitAt string) error {
	if subject == "" && identity.NormalizeText(f.CustomerName) == "" {
		return nil
	}
	return repo.UpsertOrderSnapshot(ctx, s.DB, domain.OrderSnapshot{
		SubjectKey:        subject,
		CustomerName:      f.CustomerName,
		AssignedRep:       f.AssignedRep,
		AssistedRep:       f.AssistedRep,
		NextSteps:         f.NextSteps,
		SalesStage:        salesStage,
		CustomOrderStatus: customOrderStatus,
		ScheduledVisitAt:  visitAt,
	})
}

// inPendingSet reports whether status belongs to the configured pending set.
func (s *EnqueueService) inPendingSet(status string) bool {
	for _, p := range s.PendingStatuses {
		if identity.EqualsCI(p, status) {
			return true
		}
	}
	return false
}

// isRestartStatus reports whether status is a revision request: a design
// change invalidates prior wait-time assumptions, so the cycle restarts.
func (s *EnqueueService) isRestartStatus(status string) bool {
	for _, p := range s.RestartStatuses {
		if identity.EqualsCI(p, status) {
			return true
		}
	}
	return false
}
