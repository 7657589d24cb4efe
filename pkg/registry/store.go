// Package registry persists the mapping between source-system identifiers and
// destination identifiers. Every entity imported into the destination gets one
// mapping row; foreign-key rewriting during sync resolves through it.
package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// upsertChunkSize bounds how many mappings go into a single INSERT .. ON
// CONFLICT round trip.
const upsertChunkSize = 500

// Store provides database operations for identity mappings.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the identity_mappings table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Mapping{})
}

// Resolve translates a source-system identifier into the destination
// identifier. The second return value is false when no mapping exists.
func (s *Store) Resolve(sourceSystem, entityType, sourceID string) (string, bool, error) {
	var m Mapping
	err := s.db.Where(
		"source_system = ? AND entity_type = ? AND source_id = ?",
		sourceSystem, entityType, sourceID,
	).First(&m).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve mapping: %w", err)
	}
	return m.TargetID, true, nil
}

// Get retrieves the full mapping row for a source identity.
// Returns nil, nil if no mapping exists.
func (s *Store) Get(sourceSystem, entityType, sourceID string) (*Mapping, error) {
	var m Mapping
	err := s.db.Where(
		"source_system = ? AND entity_type = ? AND source_id = ?",
		sourceSystem, entityType, sourceID,
	).First(&m).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return &m, nil
}

// BulkUpsert inserts or refreshes a batch of mappings and returns how many
// rows were written. The conflict target is the (source_system, entity_type,
// source_id) identity; on conflict only target_id, external_ref, metadata and
// synced_at are overwritten, so source identity fields are stable for the
// lifetime of a row. Safe to call with thousands of mappings; writes are
// chunked internally.
func (s *Store) BulkUpsert(mappings []Mapping) (int64, error) {
	if len(mappings) == 0 {
		return 0, nil
	}

	now := time.Now()
	for i := range mappings {
		if mappings[i].ID == "" {
			mappings[i].ID = uuid.New().String()
		}
		if mappings[i].SyncedAt.IsZero() {
			mappings[i].SyncedAt = now
		}
	}

	var written int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(mappings); start += upsertChunkSize {
			end := start + upsertChunkSize
			if end > len(mappings) {
				end = len(mappings)
			}
			chunk := mappings[start:end]
			result := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "source_system"}, {Name: "entity_type"}, {Name: "source_id"},
				},
				DoUpdates: clause.AssignmentColumns([]string{
					"target_id", "external_ref", "metadata", "synced_at",
				}),
			}).Create(&chunk)
			if result.Error != nil {
				return fmt.Errorf("bulk upsert mappings: %w", result.Error)
			}
			written += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// DeleteBySourceSystem removes mappings for a source system, optionally
// restricted to specific entity types. Used to reset a migration before a
// re-run. Returns the number of rows removed.
func (s *Store) DeleteBySourceSystem(sourceSystem string, entityTypes ...string) (int64, error) {
	query := s.db.Where("source_system = ?", sourceSystem)
	if len(entityTypes) > 0 {
		query = query.Where("entity_type IN ?", entityTypes)
	}
	result := query.Delete(&Mapping{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete mappings for %q: %w", sourceSystem, result.Error)
	}
	return result.RowsAffected, nil
}

// FindByExternalRef returns all mappings of an entity type carrying the given
// external reference (email, SKU, order number). External references are not
// unique across source systems, so this returns a set.
func (s *Store) FindByExternalRef(entityType, externalRef string) ([]Mapping, error) {
	var out []Mapping
	err := s.db.Where("entity_type = ? AND external_ref = ?", entityType, externalRef).
		Order("source_system ASC, source_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("find mappings by external ref: %w", err)
	}
	return out, nil
}

// FindByTarget performs the reverse lookup: all mappings pointing at a
// destination identifier. More than one source system may map to the same
// destination row, so this returns a set.
func (s *Store) FindByTarget(entityType, targetID string) ([]Mapping, error) {
	var out []Mapping
	err := s.db.Where("entity_type = ? AND target_id = ?", entityType, targetID).
		Order("source_system ASC, source_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("find mappings by target: %w", err)
	}
	return out, nil
}

// CountBySourceSystem returns mapping counts per entity type for a source
// system, for the status command.
func (s *Store) CountBySourceSystem(sourceSystem string) (map[string]int64, error) {
	type row struct {
		EntityType string
		N          int64
	}
	var rows []row
	err := s.db.Model(&Mapping{}).
		Select("entity_type, COUNT(*) AS n").
		Where("source_system = ?", sourceSystem).
		Group("entity_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count mappings: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.EntityType] = r.N
	}
	return out, nil
}
