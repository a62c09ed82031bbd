// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the batch-run day marker.
//
// The marker records that the digests for a calendar day were delivered (or
// that there was nothing to send). The hourly safety sweep reads it back
// before re-running, and the unique day-key index makes marking idempotent
// when the daily and safety triggers overlap.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
)

// GetBatchRun returns the marker for dayKey, or ErrNotFound.
func GetBatchRun(ctx context.Context, db *gorm.DB, dayKey string) (*domain.BatchRun, error) {
	var rec domain.BatchRun
	err := db.WithContext(ctx).Where("day_key = ?", dayKey).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateBatchRun marks dayKey as complete. A concurrent or repeated mark for
// the same day returns ErrDuplicate, which callers treat as already done.
func CreateBatchRun(ctx context.Context, db *gorm.DB, dayKey string, sentOps, sentEsc bool, itemCount int) error {
	rec := &domain.BatchRun{
		ID:              uuid.NewString(),
		DayKey:          dayKey,
		SentOperational: sentOps,
		SentEscalation:  sentEsc,
		ItemCount:       itemCount,
		CreatedAt:       time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}
