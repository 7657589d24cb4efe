package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Shared cache so all goroutines see the same in-memory database, named
	// per test so holder rows cannot leak between tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestAcquireAndRelease(t *testing.T) {
	l, err := New(setupTestDB(t), "test-run")
	require.NoError(t, err)

	lease, err := l.Acquire(context.Background())
	require.NoError(t, err)

	holder, err := l.Inspect()
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.NotZero(t, holder.PID)
	assert.NotEmpty(t, holder.Hostname)

	require.NoError(t, lease.Release())

	holder, err = l.Inspect()
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestSecondAcquireReportsHolderAge(t *testing.T) {
	l, err := New(setupTestDB(t), "test-run")
	require.NoError(t, err)
	ctx := context.Background()

	lease, err := l.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release()

	_, err = l.Acquire(ctx)
	require.Error(t, err)

	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.NotZero(t, held.Holder.PID)
	assert.GreaterOrEqual(t, held.Holder.Age(), time.Duration(0))
	assert.Contains(t, held.Error(), "lock held by pid")
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	db := setupTestDB(t)
	l, err := New(db, "test-run")
	require.NoError(t, err)

	const attempts = 8
	var wins atomic.Int32
	var held atomic.Int32
	var wg sync.WaitGroup
	var leaseMu sync.Mutex
	var leases []*Lease

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(context.Background())
			if err == nil {
				wins.Add(1)
				leaseMu.Lock()
				leases = append(leases, lease)
				leaseMu.Unlock()
				return
			}
			var he *HeldError
			if errors.As(err, &he) {
				held.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load(), "exactly one invocation may proceed")
	assert.EqualValues(t, attempts-1, held.Load())
	for _, lease := range leases {
		require.NoError(t, lease.Release())
	}
}

func TestStaleLockReclaimedAfterCrash(t *testing.T) {
	db := setupTestDB(t)
	l, err := New(db, "test-run")
	require.NoError(t, err)

	// Simulate a crashed holder: a lock row past the stale age with no
	// process around to release it.
	stale := newHolderRow("test-run")
	stale.AcquiredAt = time.Now().Add(-staleAge - time.Minute)
	require.NoError(t, db.Create(&stale).Error)

	lease, err := l.Acquire(context.Background())
	require.NoError(t, err, "a stale lock must not block a new run")
	require.NoError(t, lease.Release())
}

func TestFreshLockNotReclaimed(t *testing.T) {
	db := setupTestDB(t)
	l, err := New(db, "test-run")
	require.NoError(t, err)

	fresh := newHolderRow("test-run")
	require.NoError(t, db.Create(&fresh).Error)

	_, err = l.Acquire(context.Background())
	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, fresh.Token, held.Holder.Token)
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := New(setupTestDB(t), "test-run")
	require.NoError(t, err)

	lease, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Release())
	require.NoError(t, lease.Release())
}

func TestLocksWithDifferentResourcesIndependent(t *testing.T) {
	db := setupTestDB(t)
	a, err := New(db, "resource-a")
	require.NoError(t, err)
	b, err := New(db, "resource-b")
	require.NoError(t, err)

	leaseA, err := a.Acquire(context.Background())
	require.NoError(t, err)
	defer leaseA.Release()

	leaseB, err := b.Acquire(context.Background())
	require.NoError(t, err)
	defer leaseB.Release()
}
