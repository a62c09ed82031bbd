// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only audit log.
//
// Audit rows are written by every mutating path in the queue store and are
// never edited or deleted; they exist for operator and compliance inspection.
//
// Functions:
//
//   - AppendAudit(ctx, db, itemID, subjectKey, type, action, actor, note) -> error
//     Appends one immutable entry.
//
//   - CountAudit(ctx, db, itemID) -> (int64, error)
//     Total entries, optionally filtered to one item.
//
//   - ListAuditPage(ctx, db, itemID, offset, limit) -> []domain.AuditEntry, error
//     Newest-first page of entries, optionally filtered to one item.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
)

// AppendAudit appends one audit entry. Timestamps are UTC.
func AppendAudit(ctx context.Context, db *gorm.DB, itemID, subjectKey, itemType, action, actor, note string) error {
	e := &domain.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		ItemID:     itemID,
		SubjectKey: subjectKey,
		Type:       itemType,
		Action:     action,
		Actor:      actor,
		Note:       note,
	}
	return db.WithContext(ctx).Create(e).Error
}

// CountAudit returns the number of audit entries, filtered to itemID when
// it is non-empty.
func CountAudit(ctx context.Context, db *gorm.DB, itemID string) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.AuditEntry{})
	if itemID != "" {
		q = q.Where("item_id = ?", itemID)
	}
	var total int64
	err := q.Count(&total).Error
	return total, err
}

// ListAuditPage returns a newest-first page of audit entries, filtered to
// itemID when it is non-empty.
func ListAuditPage(ctx context.Context, db *gorm.DB, itemID string, offset, limit int) ([]domain.AuditEntry, error) {
	q := db.WithContext(ctx).Order("timestamp desc").Offset(offset).Limit(limit)
	if itemID != "" {
		q = q.Where("item_id = ?", itemID)
	}
	var out []domain.AuditEntry
	err := q.Find(&out).Error
	return out, err
}
