// Package services – order system boundary.
//
// The order/appointment system is an external collaborator: this subsystem
// reads its status fields on enqueue and on every auto-resolve pass, and
// never writes to it. The directory interface below is the entire surface.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/repo"
)

// OrderDirectory is the read-only view of the order system of record.
type OrderDirectory interface {
	// LookupOrder returns the current record for a canonical subject key,
	// or (nil, nil) when the order is unknown. Implementations should treat
	// lookup failures as errors, not as missing orders.
	LookupOrder(ctx context.Context, subjectKey string) (*domain.OrderRecord, error)

	// LookupByCustomer returns the current record for a customer when no
	// subject key is available (obligations created before an order number
	// existed, diamond-viewing rows linked by appointment).
	LookupByCustomer(ctx context.Context, customerName string) (*domain.OrderRecord, error)
}

// SnapshotDirectory serves directory lookups from the locally mirrored order
// snapshots that every ingest event refreshes. It is the default directory:
// the mirror is exactly as current as the last webhook the source sent.
type SnapshotDirectory struct {
	DB *gorm.DB
}

// LookupOrder returns the mirrored record for a canonical subject key.
func (d *SnapshotDirectory) LookupOrder(ctx context.Context, subjectKey string) (*domain.OrderRecord, error) {
	snap, err := repo.GetOrderSnapshot(ctx, d.DB, subjectKey)
	if err != nil || snap == nil {
		return nil, err
	}
	return snap.Record(), nil
}

// LookupByCustomer returns the most recently refreshed mirrored record for a
// customer name.
func (d *SnapshotDirectory) LookupByCustomer(ctx context.Context, customerName string) (*domain.OrderRecord, error) {
	snap, err := repo.FindOrderSnapshotByCustomer(ctx, d.DB, customerName)
	if err != nil || snap == nil {
		return nil, err
	}
	return snap.Record(), nil
}
