// Package domain defines the persistence models for reminders, audit entries,
// and batch-run markers. These types are mapped with GORM and form the core
// data layer of the reminder backend.
package domain

import (
	"strings"
	"time"
)

// ReminderStatus is the closed state vocabulary of a reminder. External
// string-typed stages are translated at the boundary; the scheduler never
// compares raw external strings.
type ReminderStatus string

// Reminder lifecycle states. PENDING and SNOOZED are active; CONFIRMED and
// CANCELLED are terminal.
const (
	StatusPending   ReminderStatus = "PENDING"
	StatusSnoozed   ReminderStatus = "SNOOZED"
	StatusConfirmed ReminderStatus = "CONFIRMED"
	StatusCancelled ReminderStatus = "CANCELLED"
)

// Active reports whether the status still participates in batch runs.
func (s ReminderStatus) Active() bool {
	return s == StatusPending || s == StatusSnoozed
}

// Terminal reports whether the status is final. Terminal rows never change
// their due dates or status again; only audit fields may be appended.
func (s ReminderStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

// ReminderType identifies the business obligation a reminder tracks.
type ReminderType string

const (
	TypeCustomOrderStatus   ReminderType = "CUSTOM_ORDER_STATUS"
	TypeFollowUp            ReminderType = "FOLLOWUP"
	TypeViewingProposeNudge ReminderType = "DIAMOND_VIEWING_PROPOSE_NUDGE"
	TypeViewingUrgentDaily  ReminderType = "DIAMOND_VIEWING_URGENT_DAILY"
)

// legacyTypeAliases maps historical type spellings, still present in old rows,
// onto the current vocabulary.
var legacyTypeAliases = map[string]ReminderType{
	"ORDER_STATUS":         TypeCustomOrderStatus,
	"CO_STATUS":            TypeCustomOrderStatus,
	"CUSTOM_ORDER":         TypeCustomOrderStatus,
	"FOLLOW_UP":            TypeFollowUp,
	"DIAMOND_VIEWING_DAILY": TypeViewingUrgentDaily,
}

// NormalizeType folds legacy aliases into the current type vocabulary.
// Unknown values are returned unchanged (upper-cased) so they remain visible
// in listings rather than silently disappearing.
func NormalizeType(raw string) ReminderType {
	up := ReminderType(strings.ToUpper(strings.TrimSpace(raw)))
	if t, ok := legacyTypeAliases[string(up)]; ok {
		return t
	}
	return up
}

// CustomOrderFamily reports whether t belongs to the custom-order-status
// family (current name or a legacy alias already normalized into it).
func (t ReminderType) CustomOrderFamily() bool {
	return NormalizeType(string(t)) == TypeCustomOrderStatus
}

// Recurrence tags how a reminder behaves after a successful send.
type Recurrence string

const (
	// RecurOnce fires a single time and is auto-confirmed after delivery.
	RecurOnce Recurrence = "ONCE"
	// RecurDaily advances by one day after every delivery until resolved.
	RecurDaily Recurrence = "DAILY"
)

// ReminderID composes the stable identity key for an obligation. Subject-keyed
// obligations use "TYPE|<subject>"; obligations known only by customer name use
// "TYPE|name:<lowercased name>". Recurring single-day items append "|<dayKey>"
// so a new calendar day always produces a distinct id.
func ReminderID(t ReminderType, subjectKey, customerName, dayKey string) string {
	id := string(NormalizeType(string(t))) + "|"
	if subjectKey != "" {
		id += subjectKey
	} else {
		id += "name:" + strings.ToLower(strings.TrimSpace(customerName))
	}
	if dayKey != "" {
		id += "|" + dayKey
	}
	return id
}

// ReminderItem represents one tracked obligation tied to an order or customer.
//
// Identity: ID is the stable dedup key, a composite of type and subject
// (optionally plus a day key for recurring single-day items). At most one
// active (PENDING/SNOOZED) row exists per ID; a second enqueue merges.
//
// All due/snooze instants are stored as canonical fixed-timezone strings
// ("2006-01-02 15:04:05") and dates as "2006-01-02", so merge and compare
// operations are plain string comparisons independent of the host timezone.
type ReminderItem struct {
	ID           string         `json:"id"            gorm:"type:TEXT;primaryKey"`
	SubjectKey   string         `json:"subject_key"   gorm:"type:TEXT;index:idx_reminder_subject"`
	CustomerName string         `json:"customer_name" gorm:"type:TEXT"`
	Type         ReminderType   `json:"type"          gorm:"type:TEXT;not null;index:idx_reminder_type"`
	Status       ReminderStatus `json:"status"        gorm:"type:TEXT;not null;default:'PENDING';index:idx_reminder_status"`
	Recurrence   Recurrence     `json:"recurrence"    gorm:"type:TEXT;not null;default:'DAILY'"`

	// FirstDueAt is the earliest due date ever assigned to this ID
	// ("2006-01-02"); it only moves earlier under merge.
	FirstDueAt string `json:"first_due_at" gorm:"type:TEXT;not null"`
	// NextDueAt is the canonical 09:30 anchor the item fires at next
	// ("2006-01-02 15:04:05" in the organizational timezone).
	NextDueAt string `json:"next_due_at" gorm:"type:TEXT;not null"`
	// SnoozeUntil is set iff Status is SNOOZED; same format as NextDueAt.
	SnoozeUntil string `json:"snooze_until,omitempty" gorm:"type:TEXT"`

	// Display fields, denormalized from the order system. Filled on first
	// sight, never overwritten once populated.
	AssignedRep string `json:"assigned_rep,omitempty" gorm:"type:TEXT"`
	AssistedRep string `json:"assisted_rep,omitempty" gorm:"type:TEXT"`
	NextSteps   string `json:"next_steps,omitempty"   gorm:"type:TEXT"`

	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by,omitempty"   gorm:"type:TEXT"`
	ConfirmedAt string    `json:"confirmed_at,omitempty" gorm:"type:TEXT"`
	ConfirmedBy string    `json:"confirmed_by,omitempty" gorm:"type:TEXT"`
	LastSentAt  string    `json:"last_sent_at,omitempty" gorm:"type:TEXT"`
	Attempts    int       `json:"attempts"`
	// CancelReason is required when the row transitions to CANCELLED.
	CancelReason string `json:"cancel_reason,omitempty" gorm:"type:TEXT"`
}

// TableName returns the database table name for ReminderItem.
func (ReminderItem) TableName() string { return "reminders" }

// AuditEntry is an append-only record of one state transition or delivery
// attempt. Rows are never edited or deleted.
type AuditEntry struct {
	ID         string    `json:"id"          gorm:"type:TEXT;primaryKey"`
	Timestamp  time.Time `json:"timestamp"   gorm:"index:idx_audit_ts"`
	ItemID     string    `json:"item_id"     gorm:"type:TEXT;not null;index:idx_audit_item"`
	SubjectKey string    `json:"subject_key" gorm:"type:TEXT"`
	Type       string    `json:"type"        gorm:"type:TEXT"`
	Action     string    `json:"action"      gorm:"type:TEXT;not null"`
	Actor      string    `json:"actor"       gorm:"type:TEXT"`
	Note       string    `json:"note"        gorm:"type:TEXT"`
}

// TableName returns the database table name for AuditEntry.
func (AuditEntry) TableName() string { return "reminder_audit" }

// BatchRun marks a calendar day whose digests were delivered (or for which
// there was nothing to send). The hourly safety sweep reads it back to decide
// whether the 09:30 run already happened; the unique day key makes marking
// idempotent across overlapping triggers.
type BatchRun struct {
	ID              string    `json:"id"               gorm:"type:TEXT;primaryKey"`
	DayKey          string    `json:"day_key"          gorm:"type:TEXT;not null;uniqueIndex:ux_batch_day"`
	SentOperational bool      `json:"sent_operational"`
	SentEscalation  bool      `json:"sent_escalation"`
	ItemCount       int       `json:"item_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName returns the database table name for BatchRun.
func (BatchRun) TableName() string { return "batch_runs" }

// OrderRecord is the read-only view of an order/appointment row in the
// external system of record. It is consumed on enqueue and on every
// auto-resolve pass; this subsystem never writes it.
type OrderRecord struct {
	SubjectKey        string
	CustomerName      string
	AssignedRep       string
	AssistedRep       string
	NextSteps         string
	SalesStage        string
	CustomOrderStatus string
	// ScheduledVisitAt is the raw visit instant as the source system stores
	// it; parse with timeutil.ToCanonicalInstant before any arithmetic.
	ScheduledVisitAt string
}

// OrderSnapshot is the locally mirrored copy of an order's last known
// business state, refreshed on every ingest event. The batch auto-resolve
// pass reads it through the order directory; blank fields mean the source
// never reported that value.
type OrderSnapshot struct {
	SubjectKey string `json:"subject_key" gorm:"type:TEXT;primaryKey"`
	// CustomerNameKey is the normalized lowercase customer name, kept as a
	// column so name-only lookups stay an index scan.
	CustomerNameKey   string    `json:"-"                   gorm:"type:TEXT;index:idx_snapshot_customer"`
	CustomerName      string    `json:"customer_name"       gorm:"type:TEXT"`
	AssignedRep       string    `json:"assigned_rep,omitempty"  gorm:"type:TEXT"`
	AssistedRep       string    `json:"assisted_rep,omitempty"  gorm:"type:TEXT"`
	NextSteps         string    `json:"next_steps,omitempty"    gorm:"type:TEXT"`
	SalesStage        string    `json:"sales_stage,omitempty"   gorm:"type:TEXT"`
	CustomOrderStatus string    `json:"custom_order_status,omitempty" gorm:"type:TEXT"`
	ScheduledVisitAt  string    `json:"scheduled_visit_at,omitempty"  gorm:"type:TEXT"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName returns the database table name for OrderSnapshot.
func (OrderSnapshot) TableName() string { return "order_snapshots" }

// Record converts the snapshot to the read-only boundary view.
func (s *OrderSnapshot) Record() *OrderRecord {
	return &OrderRecord{
		SubjectKey:        s.SubjectKey,
		CustomerName:      s.CustomerName,
		AssignedRep:       s.AssignedRep,
		AssistedRep:       s.AssistedRep,
		NextSteps:         s.NextSteps,
		SalesStage:        s.SalesStage,
		CustomOrderStatus: s.CustomOrderStatus,
		ScheduledVisitAt:  s.ScheduledVisitAt,
	}
}
