package ledger

import "time"

// Action is the kind of mutation a change record describes.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// SyncState is the consumption state of a change record.
type SyncState string

const (
	StatePending   SyncState = "pending"
	StateCompleted SyncState = "completed"
)

// ChangeRecord is one entry in the change ledger. The source system appends
// events; the destination consumes pending rows and requests completion.
//
// The unique index on (entity_type, entity_id, sync_state) is the invariant
// that makes coalescing work: while a row for an entity is pending, a new
// event for the same entity merges into it instead of creating a second row.
type ChangeRecord struct {
	TrackerID  uint       `gorm:"primaryKey;column:tracker_id;autoIncrement"`
	EntityType string     `gorm:"column:entity_type;uniqueIndex:idx_change_identity,priority:1;not null"`
	EntityID   string     `gorm:"column:entity_id;uniqueIndex:idx_change_identity,priority:2;not null"`
	Action     Action     `gorm:"column:action;not null"`
	CreatedAt  time.Time  `gorm:"column:created_at;index:idx_change_created;not null"`
	SyncedAt   *time.Time `gorm:"column:synced_at"`
	SyncState  SyncState  `gorm:"column:sync_completed;uniqueIndex:idx_change_identity,priority:3;index:idx_change_state;not null;default:pending"`
}

// TableName returns the GORM table name.
func (ChangeRecord) TableName() string { return "change_ledger" }

// Key identifies a change record by its ledger identity rather than its
// tracker id, so completion survives coalescing races.
type Key struct {
	EntityType string
	EntityID   string
}
