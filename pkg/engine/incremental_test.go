package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/syncbridge/pkg/adapter"
	"github.com/syncbridge/syncbridge/pkg/handler"
	"github.com/syncbridge/syncbridge/pkg/ledger"
	"github.com/syncbridge/syncbridge/pkg/lock"
)

func recordChange(t *testing.T, store *ledger.Store, entityType, id string, action ledger.Action) {
	t.Helper()
	require.NoError(t, store.Record(entityType, id, action, time.Now()))
}

func pendingKeys(t *testing.T, store *ledger.Store) map[ledger.Key]bool {
	t.Helper()
	pending, err := store.Pending(ledger.PendingFilter{})
	require.NoError(t, err)
	keys := make(map[ledger.Key]bool)
	for entityType, rows := range pending {
		for _, row := range rows {
			keys[ledger.Key{EntityType: entityType, EntityID: row.EntityID}] = true
		}
	}
	return keys
}

// An order whose customer has never been synced errors and stays pending;
// once the customer's own change lands, one run applies both in dependency
// order and completes both rows.
func TestSyncChangesResolvesDependenciesAcrossRuns(t *testing.T) {
	customer := newMemHandler("customer", "email")
	order := newMemHandler("order", "number")
	order.fks = []handler.ForeignKey{{Field: "customer_id", EntityType: "customer", Required: true}}
	fx := newFixture(t, Config{}, customer, order)

	fx.adapter.records["customer"] = []adapter.Record{
		{"id": "7", "email": "a@example.com"},
	}
	fx.adapter.records["order"] = []adapter.Record{
		{"id": "55", "number": "SO-55", "customer_id": "7"},
	}

	recordChange(t, fx.ledger, "order", "55", ledger.ActionCreate)

	report, err := fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{MarkCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.PerType["order"].Errored)
	assert.Empty(t, order.dest)
	assert.True(t, pendingKeys(t, fx.ledger)[ledger.Key{EntityType: "order", EntityID: "55"}],
		"unresolvable order must stay pending")

	recordChange(t, fx.ledger, "customer", "7", ledger.ActionCreate)

	report, err = fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{MarkCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.PerType["customer"].Synced)
	assert.Equal(t, 1, report.PerType["order"].Synced)
	assert.Len(t, customer.dest, 1)
	assert.Len(t, order.dest, 1)
	assert.Equal(t, "customer-1", order.dest["order-1"].String("customer_id"))
	assert.Empty(t, pendingKeys(t, fx.ledger))
}

// A changed record that already exists at the destination must be re-applied
// even under the default skip policy, otherwise its row never completes.
func TestSyncChangesUpdatesExistingRecords(t *testing.T) {
	h := newMemHandler("customer", "email")
	fx := newFixture(t, Config{DuplicatePolicy: DuplicateSkip}, h)
	fx.adapter.records["customer"] = []adapter.Record{
		{"id": "7", "email": "a@example.com", "name": "before"},
	}

	_, err := fx.engine.Sync(context.Background(), "customer")
	require.NoError(t, err)

	fx.adapter.records["customer"] = []adapter.Record{
		{"id": "7", "email": "a@example.com", "name": "after"},
	}
	recordChange(t, fx.ledger, "customer", "7", ledger.ActionUpdate)

	report, err := fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{MarkCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.PerType["customer"].Synced)
	assert.Equal(t, "after", h.dest["customer-1"].String("name"))
	assert.Empty(t, pendingKeys(t, fx.ledger))
}

func TestSyncChangesMissingAtSourceStaysPending(t *testing.T) {
	h := newMemHandler("customer", "email")
	fx := newFixture(t, Config{}, h)
	recordChange(t, fx.ledger, "customer", "404", ledger.ActionUpdate)

	report, err := fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{MarkCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.PerType["customer"].Skipped)
	assert.True(t, pendingKeys(t, fx.ledger)[ledger.Key{EntityType: "customer", EntityID: "404"}])
}

func TestSyncChangesDeleteRetiredWithoutDispatch(t *testing.T) {
	h := newMemHandler("customer", "email")
	fx := newFixture(t, Config{}, h)
	recordChange(t, fx.ledger, "customer", "7", ledger.ActionDelete)

	report, err := fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{MarkCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.PerType["customer"].Retired)
	assert.Zero(t, fx.adapter.reads)
	assert.Empty(t, pendingKeys(t, fx.ledger))
}

func TestSyncChangesOrphanedStockRetired(t *testing.T) {
	product := newMemHandler("product", "sku")
	stock := newMemHandler("stock", "id")
	fx := newFixture(t, Config{}, product, stock)

	// Product 12 exists at the source, product 13 does not.
	fx.adapter.records["product"] = []adapter.Record{
		{"id": "12", "sku": "SKU-12"},
	}
	fx.adapter.records["stock"] = []adapter.Record{
		{"id": "12", "qty": "3"},
	}
	recordChange(t, fx.ledger, "stock", "12", ledger.ActionUpdate)
	recordChange(t, fx.ledger, "stock", "13", ledger.ActionUpdate)

	report, err := fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{MarkCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.PerType["stock"].Retired)
	assert.Equal(t, 1, report.PerType["stock"].Synced)
	assert.Empty(t, pendingKeys(t, fx.ledger))
}

func TestSyncChangesStockModes(t *testing.T) {
	product := newMemHandler("product", "sku")
	stock := newMemHandler("stock", "id")
	fx := newFixture(t, Config{}, product, stock)
	fx.adapter.records["product"] = []adapter.Record{{"id": "12", "sku": "SKU-12"}}
	fx.adapter.records["stock"] = []adapter.Record{{"id": "12", "qty": "3"}}
	recordChange(t, fx.ledger, "product", "12", ledger.ActionUpdate)
	recordChange(t, fx.ledger, "stock", "12", ledger.ActionUpdate)

	report, err := fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{
		StockMode: ledger.StockExclude,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.PerType["product"].Synced)
	assert.Nil(t, report.PerType["stock"])

	report, err = fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{
		StockMode: ledger.StockOnly,
	})
	require.NoError(t, err)
	assert.Nil(t, report.PerType["product"])
	assert.Equal(t, 1, report.PerType["stock"].Synced)
}

func TestSyncChangesWithoutMarkCompleted(t *testing.T) {
	h := newMemHandler("customer", "email")
	fx := newFixture(t, Config{}, h)
	fx.adapter.records["customer"] = []adapter.Record{{"id": "7", "email": "a@example.com"}}
	recordChange(t, fx.ledger, "customer", "7", ledger.ActionCreate)

	report, err := fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.PerType["customer"].Synced)
	assert.Len(t, h.dest, 1, "changes applied even when completion is off")
	assert.True(t, pendingKeys(t, fx.ledger)[ledger.Key{EntityType: "customer", EntityID: "7"}])
}

func TestSyncChangesDryRun(t *testing.T) {
	h := newMemHandler("customer", "email")
	fx := newFixture(t, Config{}, h)
	fx.adapter.records["customer"] = []adapter.Record{{"id": "7", "email": "a@example.com"}}
	recordChange(t, fx.ledger, "customer", "7", ledger.ActionCreate)

	report, err := fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{
		MarkCompleted: true,
		DryRun:        true,
	})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Empty(t, h.dest)
	assert.Zero(t, h.finalized)
	_, found, err := fx.registry.Resolve("legacy-erp", "customer", "7")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, pendingKeys(t, fx.ledger)[ledger.Key{EntityType: "customer", EntityID: "7"}])
}

func TestSyncChangesBatchFallbackIsolatesFailure(t *testing.T) {
	h := newMemHandler("customer", "email")
	fx := newFixture(t, Config{}, h)
	fx.adapter.records["customer"] = []adapter.Record{{"id": "7", "email": "a@example.com"}}
	recordChange(t, fx.ledger, "customer", "7", ledger.ActionCreate)

	// The batched read fails outright; the reconciler retries per record and
	// those reads fail too, so the row stays pending without aborting the run.
	fx.adapter.failing = true
	report, err := fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{MarkCompleted: true})
	require.NoError(t, err)
	assert.True(t, report.PerType["customer"].Fallback)
	assert.Equal(t, 1, report.PerType["customer"].Errored)
	assert.True(t, pendingKeys(t, fx.ledger)[ledger.Key{EntityType: "customer", EntityID: "7"}])

	fx.adapter.failing = false
	report, err = fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{MarkCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.PerType["customer"].Synced)
	assert.Empty(t, pendingKeys(t, fx.ledger))
}

func TestSyncChangesLockHeld(t *testing.T) {
	h := newMemHandler("customer", "email")
	fx := newFixture(t, Config{}, h)

	// A second lock instance on the same database plays the concurrent run.
	other, err := lock.New(fx.db, lock.DefaultResource)
	require.NoError(t, err)
	lease, err := other.Acquire(context.Background())
	require.NoError(t, err)
	defer func() { require.NoError(t, lease.Release()) }()

	_, err = fx.engine.SyncChanges(context.Background(), ChangeSyncOptions{})
	var held *lock.HeldError
	require.ErrorAs(t, err, &held)
	assert.NotZero(t, held.Holder.PID)
	assert.GreaterOrEqual(t, held.Holder.Age(), time.Duration(0))
}
