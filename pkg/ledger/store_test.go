package ledger

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ChangeRecord{}))
	return db
}

func pendingRows(t *testing.T, store *Store, entityType string) []ChangeRecord {
	t.Helper()
	grouped, err := store.Pending(PendingFilter{EntityTypes: []string{entityType}})
	require.NoError(t, err)
	return grouped[entityType]
}

func TestRecordCreatesPendingRow(t *testing.T) {
	store := NewStore(setupTestDB(t))

	require.NoError(t, store.Record("product", "42", ActionCreate, time.Time{}))

	rows := pendingRows(t, store, "product")
	require.Len(t, rows, 1)
	assert.Equal(t, ActionCreate, rows[0].Action)
	assert.Equal(t, StatePending, rows[0].SyncState)
}

func TestRecordCoalescesWhilePending(t *testing.T) {
	store := NewStore(setupTestDB(t))

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record("product", "42", ActionCreate, t0))
	require.NoError(t, store.Record("product", "42", ActionUpdate, t0.Add(time.Minute)))

	rows := pendingRows(t, store, "product")
	require.Len(t, rows, 1)
	assert.Equal(t, ActionUpdate, rows[0].Action)
	assert.True(t, rows[0].CreatedAt.Equal(t0.Add(time.Minute)))
}

func TestRecordDeleteWinsCoalescing(t *testing.T) {
	store := NewStore(setupTestDB(t))

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// [update, update, delete] coalesces to a single pending delete.
	require.NoError(t, store.Record("product", "42", ActionUpdate, t0))
	require.NoError(t, store.Record("product", "42", ActionUpdate, t0.Add(time.Minute)))
	require.NoError(t, store.Record("product", "42", ActionDelete, t0.Add(2*time.Minute)))

	rows := pendingRows(t, store, "product")
	require.Len(t, rows, 1)
	assert.Equal(t, ActionDelete, rows[0].Action)
	assert.True(t, rows[0].CreatedAt.Equal(t0.Add(2*time.Minute)))

	// Delete is sticky: a later update does not un-delete.
	require.NoError(t, store.Record("product", "42", ActionUpdate, t0.Add(3*time.Minute)))
	rows = pendingRows(t, store, "product")
	require.Len(t, rows, 1)
	assert.Equal(t, ActionDelete, rows[0].Action)
}

func TestRecordNewGenerationAfterCompletion(t *testing.T) {
	store := NewStore(setupTestDB(t))

	require.NoError(t, store.Record("customer", "7", ActionCreate, time.Time{}))
	_, err := store.MarkCompleted(context.Background(), []Key{{"customer", "7"}})
	require.NoError(t, err)

	// A new event after completion opens a fresh pending generation.
	require.NoError(t, store.Record("customer", "7", ActionUpdate, time.Time{}))

	rows := pendingRows(t, store, "customer")
	require.Len(t, rows, 1)
	assert.Equal(t, ActionUpdate, rows[0].Action)

	var completed int64
	store.db.Model(&ChangeRecord{}).
		Where("entity_type = ? AND entity_id = ? AND sync_completed = ?", "customer", "7", StateCompleted).
		Count(&completed)
	assert.EqualValues(t, 1, completed)
}

func TestPendingOrderedOldestFirst(t *testing.T) {
	store := NewStore(setupTestDB(t))

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record("order", "55", ActionCreate, t0.Add(time.Hour)))
	require.NoError(t, store.Record("order", "54", ActionCreate, t0))
	require.NoError(t, store.Record("order", "56", ActionCreate, t0.Add(2*time.Hour)))

	rows := pendingRows(t, store, "order")
	require.Len(t, rows, 3)
	assert.Equal(t, "54", rows[0].EntityID)
	assert.Equal(t, "55", rows[1].EntityID)
	assert.Equal(t, "56", rows[2].EntityID)
}

func TestPendingFilterAndLimit(t *testing.T) {
	store := NewStore(setupTestDB(t))

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record("order", "1", ActionCreate, t0))
	require.NoError(t, store.Record("order", "2", ActionCreate, t0.Add(time.Minute)))
	require.NoError(t, store.Record("customer", "3", ActionCreate, t0.Add(2*time.Minute)))

	grouped, err := store.Pending(PendingFilter{EntityTypes: []string{"order"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, grouped, 1)
	require.Len(t, grouped["order"], 1)
	assert.Equal(t, "1", grouped["order"][0].EntityID)
}

func TestMarkCompletedSetsTimestamp(t *testing.T) {
	store := NewStore(setupTestDB(t))

	require.NoError(t, store.Record("product", "42", ActionUpdate, time.Time{}))
	outcome, err := store.MarkCompleted(context.Background(), []Key{{"product", "42"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, outcome.Completed)
	assert.False(t, outcome.Degraded)

	var row ChangeRecord
	require.NoError(t, store.db.Where(
		"entity_type = ? AND entity_id = ?", "product", "42",
	).First(&row).Error)
	assert.Equal(t, StateCompleted, row.SyncState)
	require.NotNil(t, row.SyncedAt)
}

func TestMarkCompletedReplacesPreviousGeneration(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	// First generation: record, complete.
	require.NoError(t, store.Record("product", "42", ActionCreate, time.Time{}))
	_, err := store.MarkCompleted(ctx, []Key{{"product", "42"}})
	require.NoError(t, err)

	// Second generation: record, complete again. The old completed row must
	// give way without violating the unique index.
	require.NoError(t, store.Record("product", "42", ActionUpdate, time.Time{}))
	outcome, err := store.MarkCompleted(ctx, []Key{{"product", "42"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, outcome.Completed)

	var completed int64
	store.db.Model(&ChangeRecord{}).
		Where("entity_type = ? AND entity_id = ? AND sync_completed = ?", "product", "42", StateCompleted).
		Count(&completed)
	assert.EqualValues(t, 1, completed)
}

func TestMarkCompletedIdempotent(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Record("product", "42", ActionCreate, time.Time{}))
	_, err := store.MarkCompleted(ctx, []Key{{"product", "42"}})
	require.NoError(t, err)

	// Repeating the call on an already-completed set is a no-op.
	outcome, err := store.MarkCompleted(ctx, []Key{{"product", "42"}})
	require.NoError(t, err)
	assert.EqualValues(t, 0, outcome.Completed)

	var row ChangeRecord
	require.NoError(t, store.db.Where(
		"entity_type = ? AND entity_id = ?", "product", "42",
	).First(&row).Error)
	assert.Equal(t, StateCompleted, row.SyncState)
	assert.NotNil(t, row.SyncedAt)

	var total int64
	store.db.Model(&ChangeRecord{}).Count(&total)
	assert.EqualValues(t, 1, total)
}

func TestMarkCompletedMixedSetKeepsCompletedRows(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Record("product", "42", ActionCreate, time.Time{}))
	_, err := store.MarkCompleted(ctx, []Key{{"product", "42"}})
	require.NoError(t, err)

	// 42 is already completed, 43 is pending. Marking both flips only 43
	// and leaves 42's completion record in place.
	require.NoError(t, store.Record("product", "43", ActionCreate, time.Time{}))
	outcome, err := store.MarkCompleted(ctx, []Key{{"product", "42"}, {"product", "43"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, outcome.Completed)

	var completed int64
	store.db.Model(&ChangeRecord{}).
		Where("entity_type = ? AND sync_completed = ?", "product", StateCompleted).
		Count(&completed)
	assert.EqualValues(t, 2, completed)
}

func TestMarkCompletedEmptyKeys(t *testing.T) {
	store := NewStore(setupTestDB(t))

	outcome, err := store.MarkCompleted(context.Background(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, outcome.Completed)
}

func TestMarkCompletedChunksLargeSets(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	n := completionChunkSize + 25
	keys := make([]Key, 0, n)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := "p" + strconv.Itoa(i)
		require.NoError(t, store.Record("product", id, ActionUpdate, t0))
		keys = append(keys, Key{"product", id})
	}

	outcome, err := store.MarkCompleted(ctx, keys)
	require.NoError(t, err)
	assert.EqualValues(t, n, outcome.Completed)
}

func TestDeleteCompletedOlderThan(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Record("product", "1", ActionCreate, time.Time{}))
	require.NoError(t, store.Record("product", "2", ActionCreate, time.Time{}))
	_, err := store.MarkCompleted(ctx, []Key{{"product", "1"}})
	require.NoError(t, err)

	n, err := store.DeleteCompletedOlderThan(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Pending rows are never swept.
	rows := pendingRows(t, store, "product")
	assert.Len(t, rows, 1)
}

func TestCountByState(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Record("product", "1", ActionCreate, time.Time{}))
	require.NoError(t, store.Record("product", "2", ActionCreate, time.Time{}))
	require.NoError(t, store.Record("customer", "3", ActionCreate, time.Time{}))
	_, err := store.MarkCompleted(ctx, []Key{{"product", "1"}})
	require.NoError(t, err)

	counts, err := store.CountByState()
	require.NoError(t, err)

	byKey := make(map[string]int64)
	for _, c := range counts {
		byKey[c.EntityType+"/"+string(c.SyncState)] = c.N
	}
	assert.EqualValues(t, 1, byKey["product/pending"])
	assert.EqualValues(t, 1, byKey["product/completed"])
	assert.EqualValues(t, 1, byKey["customer/pending"])
}

func TestIsUniqueViolationClassification(t *testing.T) {
	assert.True(t, isUniqueViolation(errMsg("UNIQUE constraint failed: change_ledger.entity_type")))
	assert.True(t, isUniqueViolation(errMsg(`pq: duplicate key value violates unique constraint "idx_change_identity"`)))
	assert.True(t, isUniqueViolation(errMsg("Error 1062: Duplicate entry 'product-42-completed'")))
	assert.False(t, isUniqueViolation(errMsg("connection refused")))
	assert.False(t, isUniqueViolation(nil))
}

func TestIsPermissionDeniedClassification(t *testing.T) {
	assert.True(t, isPermissionDenied(errMsg("pq: permission denied for table change_ledger")))
	assert.True(t, isPermissionDenied(errMsg("Error 1142: DELETE command denied to user 'sync'@'%'")))
	assert.True(t, isPermissionDenied(errMsg("attempt to write a readonly database")))
	assert.False(t, isPermissionDenied(errMsg("deadlock detected")))
	assert.False(t, isPermissionDenied(nil))
}

type errMsg string

func (e errMsg) Error() string { return string(e) }
