package registry

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMeta is a custom GORM type for opaque key/value metadata stored as JSON.
type JSONMeta map[string]string

// Scan implements the sql.Scanner interface for JSONMeta.
func (m *JSONMeta) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONMeta: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONMeta.
func (m JSONMeta) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Mapping records that a source-system entity has been materialized in the
// destination, and under which destination identifier. It is the durable
// source of truth for cross-system identity and is consulted for every
// foreign-key rewrite.
type Mapping struct {
	ID           string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	SourceSystem string    `gorm:"column:source_system;uniqueIndex:idx_mapping_identity,priority:1;not null"`
	EntityType   string    `gorm:"column:entity_type;uniqueIndex:idx_mapping_identity,priority:2;index:idx_mapping_target,priority:1;not null"`
	SourceID     string    `gorm:"column:source_id;uniqueIndex:idx_mapping_identity,priority:3;not null"`
	TargetID     string    `gorm:"column:target_id;index:idx_mapping_target,priority:2;not null"`
	ExternalRef  string    `gorm:"column:external_ref;index:idx_mapping_extref"`
	SyncedAt     time.Time `gorm:"column:synced_at;not null"`
	Metadata     JSONMeta  `gorm:"column:metadata;type:text"`
}

// TableName returns the GORM table name.
func (Mapping) TableName() string { return "identity_mappings" }
