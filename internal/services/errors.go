// Package services defines the business logic for enqueueing, resolving, and
// delivering reminders. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

var (
	// ErrPastSnoozeDate is returned when a snooze request targets a date
	// that is already in the past.
	ErrPastSnoozeDate = errors.New("snooze date is in the past")

	// ErrBadDate is returned when a date input does not match any accepted
	// shape. Unparseable dates are treated as unknown, never as "due now".
	ErrBadDate = errors.New("unparseable date")

	// ErrMissingCancelReason is returned when a cancel request carries no
	// reason. Cancellations are manual-only and always justified.
	ErrMissingCancelReason = errors.New("cancel reason is required")

	// ErrMissingIdentity is returned when neither an order identifier nor a
	// customer name is provided to an operation that must match rows.
	ErrMissingIdentity = errors.New("order identifier or customer name is required")

	// ErrRunInProgress is returned when the batch run lock could not be
	// acquired within the bounded wait; another run is already active.
	ErrRunInProgress = errors.New("a batch run is already in progress")
)
