// Package ledger implements the change-ledger half of incremental sync: an
// append/coalesce log of entity mutations recorded by the source system,
// consumed and retired by the destination.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// completionChunkSize bounds how many keys are retired in one transaction.
const completionChunkSize = 500

// Store provides database operations for the change ledger.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the change_ledger table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&ChangeRecord{})
}

// Record appends a mutation event, coalescing into an existing pending row
// for the same entity when one exists. The merge rule: the action becomes
// delete if either side is delete, otherwise the new action wins; created_at
// is refreshed to the new event time. A concurrent insert racing the
// existence check is retried as a merge.
func (s *Store) Record(entityType, entityID string, action Action, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing ChangeRecord
		err := tx.Where(
			"entity_type = ? AND entity_id = ? AND sync_completed = ?",
			entityType, entityID, StatePending,
		).First(&existing).Error
		if err == nil {
			return s.merge(tx, &existing, action, at)
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("find pending change: %w", err)
		}

		rec := ChangeRecord{
			EntityType: entityType,
			EntityID:   entityID,
			Action:     action,
			CreatedAt:  at,
			SyncState:  StatePending,
		}
		if err := tx.Create(&rec).Error; err != nil {
			if !isUniqueViolation(err) {
				return fmt.Errorf("record change: %w", err)
			}
			// Lost a race with another writer; merge into the row it created.
			if err := tx.Where(
				"entity_type = ? AND entity_id = ? AND sync_completed = ?",
				entityType, entityID, StatePending,
			).First(&existing).Error; err != nil {
				return fmt.Errorf("record change after race: %w", err)
			}
			return s.merge(tx, &existing, action, at)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

func (s *Store) merge(tx *gorm.DB, existing *ChangeRecord, action Action, at time.Time) error {
	merged := action
	if existing.Action == ActionDelete || action == ActionDelete {
		merged = ActionDelete
	}
	err := tx.Model(&ChangeRecord{}).
		Where("tracker_id = ?", existing.TrackerID).
		Updates(map[string]any{"action": merged, "created_at": at}).Error
	if err != nil {
		return fmt.Errorf("coalesce change: %w", err)
	}
	return nil
}

// PendingFilter restricts which pending rows a consumer reads.
type PendingFilter struct {
	EntityTypes []string
	Limit       int
}

// Pending returns pending change records ordered oldest first, grouped by
// entity type. The order within each group approximates FIFO application.
func (s *Store) Pending(filter PendingFilter) (map[string][]ChangeRecord, error) {
	query := s.db.Where("sync_completed = ?", StatePending).
		Order("created_at ASC, tracker_id ASC")
	if len(filter.EntityTypes) > 0 {
		query = query.Where("entity_type IN ?", filter.EntityTypes)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []ChangeRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query pending changes: %w", err)
	}

	grouped := make(map[string][]ChangeRecord)
	for _, r := range rows {
		grouped[r.EntityType] = append(grouped[r.EntityType], r)
	}
	return grouped, nil
}

// CompletionOutcome reports what MarkCompleted achieved. Degraded is set when
// the caller lacks write privilege on the ledger: rows stay pending and will
// be reprocessed, which handlers must tolerate.
type CompletionOutcome struct {
	Completed int64
	Degraded  bool
	Detail    string
}

// MarkCompleted retires pending rows for the given keys. Keys are processed
// in chunks; each chunk runs one transaction that first deletes any other
// completed rows for the same keys (so the unique index is never violated
// when this generation's row flips to completed), then marks the pending rows
// completed with a timestamp. A chunk failure rolls back that chunk only;
// earlier chunks stay committed.
//
// Two failure classes get special treatment: a privilege failure degrades the
// whole call to a non-fatal outcome with all remaining rows left pending, and
// a uniqueness violation (a race with a concurrent consumer) is treated as
// already handled.
func (s *Store) MarkCompleted(ctx context.Context, keys []Key) (CompletionOutcome, error) {
	outcome := CompletionOutcome{}
	if len(keys) == 0 {
		return outcome, nil
	}

	now := time.Now()
	for start := 0; start < len(keys); start += completionChunkSize {
		end := start + completionChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		// Chunks are grouped by entity type inside completeChunk so the
		// delete and update statements stay to two per type.
		byType := make(map[string][]string)
		for _, k := range chunk {
			byType[k.EntityType] = append(byType[k.EntityType], k.EntityID)
		}

		completed, err := s.completeChunk(ctx, byType, now)
		if err != nil {
			if isPermissionDenied(err) {
				outcome.Degraded = true
				outcome.Detail = err.Error()
				return outcome, nil
			}
			if isUniqueViolation(err) {
				// A concurrent consumer completed rows in this chunk between
				// our delete and update. The chunk's transaction rolled back;
				// the winner's completed rows stand. Already handled.
				continue
			}
			return outcome, err
		}
		outcome.Completed += completed
	}
	return outcome, nil
}

func (s *Store) completeChunk(ctx context.Context, byType map[string][]string, now time.Time) (int64, error) {
	var completed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for entityType, ids := range byType {
			// Only keys with a pending row have anything to flip; completed
			// rows for other keys must survive a repeated call untouched.
			var pendingIDs []string
			err := tx.Model(&ChangeRecord{}).
				Where(
					"entity_type = ? AND entity_id IN ? AND sync_completed = ?",
					entityType, ids, StatePending,
				).
				Pluck("entity_id", &pendingIDs).Error
			if err != nil {
				return fmt.Errorf("select pending changes: %w", err)
			}
			if len(pendingIDs) == 0 {
				continue
			}

			// Retire the previous generation first so the unique index on
			// (entity_type, entity_id, sync_completed) stays satisfiable.
			err = tx.Where(
				"entity_type = ? AND entity_id IN ? AND sync_completed = ?",
				entityType, pendingIDs, StateCompleted,
			).Delete(&ChangeRecord{}).Error
			if err != nil {
				return fmt.Errorf("delete stale completed rows: %w", err)
			}

			result := tx.Model(&ChangeRecord{}).
				Where(
					"entity_type = ? AND entity_id IN ? AND sync_completed = ?",
					entityType, pendingIDs, StatePending,
				).
				Updates(map[string]any{
					"sync_completed": StateCompleted,
					"synced_at":      now,
				})
			if result.Error != nil {
				return fmt.Errorf("mark changes completed: %w", result.Error)
			}
			completed += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return completed, nil
}

// DeleteCompletedOlderThan removes completed rows retired before the cutoff.
// Retention sweep for operators; pending rows are never touched.
func (s *Store) DeleteCompletedOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("sync_completed = ? AND synced_at < ?", StateCompleted, cutoff).
		Delete(&ChangeRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete completed changes: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// StateCount is one row of the pending/completed breakdown.
type StateCount struct {
	EntityType string
	SyncState  SyncState
	N          int64
}

// CountByState returns per-type, per-state row counts for monitoring and the
// status command.
func (s *Store) CountByState(entityTypes ...string) ([]StateCount, error) {
	query := s.db.Model(&ChangeRecord{}).
		Select("entity_type, sync_completed AS sync_state, COUNT(*) AS n").
		Group("entity_type").Group("sync_completed").
		Order("entity_type ASC")
	if len(entityTypes) > 0 {
		query = query.Where("entity_type IN ?", entityTypes)
	}
	var out []StateCount
	if err := query.Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("count changes: %w", err)
	}
	return out, nil
}

// isUniqueViolation classifies driver errors that signal a duplicate key.
// Matched per dialect message since the drivers expose no common type.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if err == gorm.ErrDuplicatedKey {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "constraint failed: unique")
}

// isPermissionDenied classifies driver errors that signal the ledger user
// lacks write or delete privilege.
func isPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "insufficient privilege") ||
		strings.Contains(msg, "command denied") ||
		strings.Contains(msg, "readonly database") ||
		strings.Contains(msg, "attempt to write a readonly")
}
