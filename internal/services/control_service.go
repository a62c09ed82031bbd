// Package services – ControlService
//
// This file implements the manual operator controls: snooze, cancel, and
// unsnooze. Controls address obligations by order identifier or customer
// name, bulk-apply to every matching active row, and report the exact count
// of rows changed so the front end can confirm the effect ("nothing to
// snooze" on zero). Validation failures reject synchronously without
// mutating state.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/identity"
	"github.com/tbourn/go-reminder-backend/internal/repo"
	"github.com/tbourn/go-reminder-backend/internal/timeutil"
)

// ControlService implements the manual snooze/cancel/unsnooze operations.
type ControlService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Zone fixes the organizational timezone and daily anchor.
	Zone *timeutil.Zone
}

// Snooze bulk-snoozes every active row matching the identity until the daily
// anchor of untilDate. It returns the changed count and the resolved
// human-readable "until" instant. Dates in the past are rejected with
// ErrPastSnoozeDate; unparseable dates with ErrBadDate.
func (s *ControlService) Snooze(ctx context.Context, rawSubject, customerName, untilDate, actor string) (int, string, error) {
	subject, err := s.requireIdentity(rawSubject, customerName)
	if err != nil {
		return 0, "", err
	}
	until, ok := s.Zone.ToCanonicalInstant(untilDate)
	if !ok {
		return 0, "", ErrBadDate
	}
	anchor := s.Zone.Anchor(until)
	if anchor.Before(s.Zone.Now()) {
		return 0, "", ErrPastSnoozeDate
	}
	untilStr := s.Zone.FormatInstant(anchor)
	n, err := repo.SnoozeMatching(ctx, s.DB, subject, customerName, untilStr, actor)
	return n, untilStr, err
}

// Cancel bulk-cancels every active row matching the identity, optionally
// restricted to the given reminder types. The reason is mandatory and stored
// on each row. It returns the changed count; zero matches is not an error.
func (s *ControlService) Cancel(ctx context.Context, rawSubject, customerName string, types []string, reason, actor string) (int, error) {
	subject, err := s.requireIdentity(rawSubject, customerName)
	if err != nil {
		return 0, err
	}
	if identity.NormalizeText(reason) == "" {
		return 0, ErrMissingCancelReason
	}
	var normalized []domain.ReminderType
	for _, t := range types {
		if nt := domain.NormalizeType(t); nt != "" {
			normalized = append(normalized, nt)
		}
	}
	return repo.CancelMatching(ctx, s.DB, s.Zone, subject, customerName, normalized, identity.NormalizeText(reason), actor)
}

// Unsnooze resets every matching SNOOZED and PENDING row back to PENDING with
// the due anchor recomputed as the next daily anchor from now (today's if
// still before the anchor, else tomorrow's). It returns the changed count
// and the recomputed due instant.
func (s *ControlService) Unsnooze(ctx context.Context, rawSubject, customerName, actor string) (int, string, error) {
	subject, err := s.requireIdentity(rawSubject, customerName)
	if err != nil {
		return 0, "", err
	}
	next := s.Zone.FormatInstant(s.Zone.NextAnchorAfter(s.Zone.Now()))
	n, err := repo.UnsnoozeMatching(ctx, s.DB, subject, customerName, next, actor)
	return n, next, err
}

// requireIdentity canonicalizes the subject key and enforces that at least
// one matching key (subject or customer name) is present.
func (s *ControlService) requireIdentity(rawSubject, customerName string) (string, error) {
	subject := identity.CanonicalOrderKey(rawSubject)
	if subject == "" && identity.NormalizeText(customerName) == "" {
		return "", ErrMissingIdentity
	}
	return subject, nil
}
