// Order snapshot mirror.
//
// Every ingest event refreshes the locally mirrored business state of its
// order, so the batch auto-resolve pass can re-check stages and statuses
// without calling back into the source system. Non-empty incoming fields
// overwrite the mirror (latest state wins); blank fields leave the previous
// value in place, since a source that omits a field has not changed it.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/identity"
)

// nameKey normalizes a customer name for snapshot lookups.
func nameKey(customerName string) string {
	return strings.ToLower(identity.NormalizeText(customerName))
}

// UpsertOrderSnapshot creates or refreshes the mirror row for snap.SubjectKey.
// Snapshots without a subject key are keyed by normalized customer name so
// pre-order-number appointments still have a mirror row.
func UpsertOrderSnapshot(ctx context.Context, db *gorm.DB, snap domain.OrderSnapshot) error {
	snap.CustomerNameKey = nameKey(snap.CustomerName)
	if snap.SubjectKey == "" {
		if snap.CustomerNameKey == "" {
			return errors.New("order snapshot needs a subject key or customer name")
		}
		snap.SubjectKey = "name:" + snap.CustomerNameKey
	}

	var cur domain.OrderSnapshot
	err := db.WithContext(ctx).First(&cur, "subject_key = ?", snap.SubjectKey).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.WithContext(ctx).Create(&snap).Error
	case err != nil:
		return err
	}

	merge := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	merge(&cur.CustomerName, snap.CustomerName)
	merge(&cur.CustomerNameKey, snap.CustomerNameKey)
	merge(&cur.AssignedRep, snap.AssignedRep)
	merge(&cur.AssistedRep, snap.AssistedRep)
	merge(&cur.NextSteps, snap.NextSteps)
	merge(&cur.SalesStage, snap.SalesStage)
	merge(&cur.CustomOrderStatus, snap.CustomOrderStatus)
	merge(&cur.ScheduledVisitAt, snap.ScheduledVisitAt)
	return db.WithContext(ctx).Save(&cur).Error
}

// GetOrderSnapshot returns the mirror row for a canonical subject key, or
// (nil, nil) when the order has never been seen.
func GetOrderSnapshot(ctx context.Context, db *gorm.DB, subjectKey string) (*domain.OrderSnapshot, error) {
	var snap domain.OrderSnapshot
	err := db.WithContext(ctx).First(&snap, "subject_key = ?", subjectKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// FindOrderSnapshotByCustomer returns the most recently refreshed mirror row
// for a customer, or (nil, nil) when none exists.
func FindOrderSnapshotByCustomer(ctx context.Context, db *gorm.DB, customerName string) (*domain.OrderSnapshot, error) {
	key := nameKey(customerName)
	if key == "" {
		return nil, nil
	}
	var snap domain.OrderSnapshot
	err := db.WithContext(ctx).
		Where("customer_name_key = ?", key).
		Order("updated_at DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
