// Package lock provides the single-holder advisory lock that serializes
// incremental sync runs. PostgreSQL uses a session advisory lock, which the
// server releases automatically when a crashed holder's connection drops;
// other databases use a table-based lock with stale-row cleanup for crash
// recovery. Both variants persist holder metadata so a blocked run can report
// who holds the lock and for how long.
package lock

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultResource names the lock serializing incremental runs against the
// change ledger.
const DefaultResource = "syncbridge-incremental-run"

// staleAge is how old a fallback lock row may be before it is considered
// abandoned by a crashed holder.
const staleAge = 30 * time.Minute

// Holder describes who currently holds the lock.
type Holder struct {
	Token      string
	PID        int
	Hostname   string
	AcquiredAt time.Time
}

// Age returns how long the holder has held the lock.
func (h Holder) Age() time.Duration {
	return time.Since(h.AcquiredAt)
}

// HeldError is returned by Acquire when another run holds the lock.
type HeldError struct {
	Holder Holder
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock held by pid %d on %s for %s",
		e.Holder.PID, e.Holder.Hostname, e.Holder.Age().Round(time.Second))
}

// Lease represents an acquired lock. Release returns the lock; an unreleased
// lease is reclaimed by the advisory-lock session drop (postgres) or the
// stale-age sweep (fallback).
type Lease struct {
	release func() error
}

// Release gives the lock back.
func (l *Lease) Release() error {
	if l.release == nil {
		return nil
	}
	fn := l.release
	l.release = nil
	return fn()
}

// RunLock is the interface for the single-holder run lock.
type RunLock interface {
	// Acquire takes the lock without blocking. When another run holds it, a
	// *HeldError carrying the holder's metadata is returned.
	Acquire(ctx context.Context) (*Lease, error)

	// Inspect returns the current holder, or nil when the lock is free.
	Inspect() (*Holder, error)
}

// lockRecord is the lock table row. On postgres it exists purely for
// inspection (the advisory lock is authoritative); elsewhere the row itself
// is the lock.
type lockRecord struct {
	ID         string    `gorm:"primaryKey;column:id"`
	Token      string    `gorm:"column:token;not null"`
	PID        int       `gorm:"column:pid;not null"`
	Hostname   string    `gorm:"column:hostname;not null"`
	AcquiredAt time.Time `gorm:"column:acquired_at;not null"`
}

func (lockRecord) TableName() string { return "sync_run_locks" }

// New creates a RunLock appropriate for the database dialect. The lock table
// is created immediately so concurrent callers never race its creation.
func New(db *gorm.DB, resource string) (RunLock, error) {
	if resource == "" {
		resource = DefaultResource
	}
	if err := db.AutoMigrate(&lockRecord{}); err != nil {
		return nil, fmt.Errorf("create lock table: %w", err)
	}
	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{
			db:       db,
			resource: resource,
			lockID:   int64(crc32.ChecksumIEEE([]byte(resource))),
		}, nil
	}
	return &tableLock{db: db, resource: resource}, nil
}

func newHolderRow(resource string) lockRecord {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return lockRecord{
		ID:         resource,
		Token:      uuid.New().String(),
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now(),
	}
}

func holderFromRow(row lockRecord) *Holder {
	return &Holder{
		Token:      row.Token,
		PID:        row.PID,
		Hostname:   row.Hostname,
		AcquiredAt: row.AcquiredAt,
	}
}

// advisoryLock uses a PostgreSQL session advisory lock plus a metadata row.
type advisoryLock struct {
	db       *gorm.DB
	resource string
	lockID   int64
}

func (l *advisoryLock) Acquire(ctx context.Context) (*Lease, error) {
	var got bool
	err := l.db.WithContext(ctx).
		Raw("SELECT pg_try_advisory_lock(?)", l.lockID).
		Scan(&got).Error
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !got {
		holder, err := l.Inspect()
		if err != nil {
			return nil, err
		}
		if holder == nil {
			// Advisory lock held but the metadata row is missing (holder
			// crashed before writing it, or cleanup raced). Report what we
			// know.
			holder = &Holder{AcquiredAt: time.Now()}
		}
		return nil, &HeldError{Holder: *holder}
	}

	row := newHolderRow(l.resource)
	// Metadata row is best effort on postgres: the advisory lock is
	// authoritative, the row only serves Inspect.
	l.db.WithContext(ctx).Where("id = ?", l.resource).Delete(&lockRecord{})
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID)
		return nil, fmt.Errorf("record lock holder: %w", err)
	}

	return &Lease{release: func() error {
		l.db.Where("id = ? AND token = ?", l.resource, row.Token).Delete(&lockRecord{})
		if err := l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error; err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}}, nil
}

func (l *advisoryLock) Inspect() (*Holder, error) {
	return inspectRow(l.db, l.resource)
}

// tableLock is the INSERT-or-fail lock for non-PostgreSQL databases.
type tableLock struct {
	db       *gorm.DB
	resource string
}

func (l *tableLock) Acquire(ctx context.Context) (*Lease, error) {
	// Clear a lock abandoned by a crashed holder before trying to take it.
	err := l.db.WithContext(ctx).
		Where("id = ? AND acquired_at < ?", l.resource, time.Now().Add(-staleAge)).
		Delete(&lockRecord{}).Error
	if err != nil {
		return nil, fmt.Errorf("clean stale lock: %w", err)
	}

	row := newHolderRow(l.resource)
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		holder, inspectErr := l.Inspect()
		if inspectErr != nil {
			return nil, inspectErr
		}
		if holder != nil {
			return nil, &HeldError{Holder: *holder}
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	return &Lease{release: func() error {
		result := l.db.Where("id = ? AND token = ?", l.resource, row.Token).Delete(&lockRecord{})
		if result.Error != nil {
			return fmt.Errorf("release lock: %w", result.Error)
		}
		return nil
	}}, nil
}

func (l *tableLock) Inspect() (*Holder, error) {
	return inspectRow(l.db, l.resource)
}

func inspectRow(db *gorm.DB, resource string) (*Holder, error) {
	var row lockRecord
	err := db.Where("id = ?", resource).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect lock: %w", err)
	}
	return holderFromRow(row), nil
}
