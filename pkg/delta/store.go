// Package delta remembers, per (source system, entity type), how far a
// pull-based sync has progressed, so repeated runs can be restricted to
// records new or changed since the last one.
package delta

import (
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// Store provides database operations for delta sync state.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the delta_states table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&State{})
}

// Load retrieves the bookkeeping row for a (source system, entity type)
// pair. Returns nil, nil when no sync has recorded progress yet.
func (s *Store) Load(sourceSystem, entityType string) (*State, error) {
	var st State
	err := s.db.Where("source_system = ? AND entity_type = ?", sourceSystem, entityType).
		First(&st).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load delta state: %w", err)
	}
	return &st, nil
}

// List returns all bookkeeping rows for a source system, for the status
// command.
func (s *Store) List(sourceSystem string) ([]State, error) {
	var out []State
	err := s.db.Where("source_system = ?", sourceSystem).
		Order("entity_type ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list delta states: %w", err)
	}
	return out, nil
}

// Progress describes the outcome of one pull-based sync run.
type Progress struct {
	AdapterCode   string
	LastEntityID  string
	LastUpdatedAt time.Time
	SyncedCount   int64
	ErrorCount    int64
	LastError     string
	ConfigHash    string
}

// RecordSuccess creates or advances the bookkeeping row for a pair. The
// high-water entity id and timestamp only move forward; a run that reports an
// older mark than the stored one advances counters without regressing the
// mark. The whole read-modify-write runs in one transaction.
func (s *Store) RecordSuccess(sourceSystem, entityType string, p Progress) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var st State
		err := tx.Where("source_system = ? AND entity_type = ?", sourceSystem, entityType).
			First(&st).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return fmt.Errorf("load delta state: %w", err)
		}
		if err == gorm.ErrRecordNotFound {
			st = State{
				SourceSystem: sourceSystem,
				EntityType:   entityType,
			}
		}

		st.AdapterCode = p.AdapterCode
		st.LastSyncAt = time.Now()
		st.SyncCount += p.SyncedCount
		st.ErrorCount += p.ErrorCount
		st.LastError = p.LastError
		if p.ConfigHash != "" {
			hash := p.ConfigHash
			st.ConfigHash = &hash
		}
		if p.LastEntityID != "" && entityIDAfter(p.LastEntityID, st.LastEntityID) {
			id := p.LastEntityID
			st.LastEntityID = &id
		}
		if !p.LastUpdatedAt.IsZero() &&
			(st.LastUpdatedAt == nil || p.LastUpdatedAt.After(*st.LastUpdatedAt)) {
			ts := p.LastUpdatedAt
			st.LastUpdatedAt = &ts
		}

		if err := tx.Save(&st).Error; err != nil {
			return fmt.Errorf("save delta state: %w", err)
		}
		return nil
	})
}

// entityIDAfter reports whether candidate is a later high-water mark than
// current. Numeric identifiers compare numerically; anything else falls back
// to lexicographic order.
func entityIDAfter(candidate string, current *string) bool {
	if current == nil || *current == "" {
		return true
	}
	ci, errC := strconv.ParseInt(candidate, 10, 64)
	pi, errP := strconv.ParseInt(*current, 10, 64)
	if errC == nil && errP == nil {
		return ci > pi
	}
	return candidate > *current
}

// Reset clears progress fields without deleting rows, so the next sync of
// the pair starts from scratch while keeping its identity. Omitting entity
// types resets all rows for the source system. Returns rows affected.
func (s *Store) Reset(sourceSystem string, entityTypes ...string) (int64, error) {
	query := s.db.Model(&State{}).Where("source_system = ?", sourceSystem)
	if len(entityTypes) > 0 {
		query = query.Where("entity_type IN ?", entityTypes)
	}
	result := query.Updates(map[string]any{
		"last_entity_id":  nil,
		"last_updated_at": nil,
		"sync_count":      0,
		"error_count":     0,
		"last_error":      "",
		"config_hash":     nil,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("reset delta state: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteBySourceSystem removes all bookkeeping rows for a source system.
func (s *Store) DeleteBySourceSystem(sourceSystem string) (int64, error) {
	result := s.db.Where("source_system = ?", sourceSystem).Delete(&State{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete delta state: %w", result.Error)
	}
	return result.RowsAffected, nil
}
