package delta

import "time"

// State is the bookkeeping row for pull-based incremental sync. One row
// exists per (source_system, entity_type) pair, created lazily on the first
// successful sync.
type State struct {
	ID            uint       `gorm:"primaryKey;column:id;autoIncrement"`
	SourceSystem  string     `gorm:"column:source_system;uniqueIndex:idx_delta_identity,priority:1;not null"`
	EntityType    string     `gorm:"column:entity_type;uniqueIndex:idx_delta_identity,priority:2;not null"`
	AdapterCode   string     `gorm:"column:adapter_code;not null"`
	LastSyncAt    time.Time  `gorm:"column:last_sync_at"`
	LastEntityID  *string    `gorm:"column:last_entity_id"`
	LastUpdatedAt *time.Time `gorm:"column:last_updated_at"`
	SyncCount     int64      `gorm:"column:sync_count;default:0"`
	ErrorCount    int64      `gorm:"column:error_count;default:0"`
	LastError     string     `gorm:"column:last_error;type:text"`
	ConfigHash    *string    `gorm:"column:config_hash"`
}

// TableName returns the GORM table name.
func (State) TableName() string { return "delta_states" }
