// Package adapter defines the contract for reading raw records out of a
// source system, plus the registry through which adapters are looked up by
// code. Concrete adapters (CSV directory, source database) live here too;
// anything speaking to a proprietary source implements the same interface
// from its own package.
package adapter

import (
	"context"
	"fmt"
	"time"
)

// Record is one raw entity read from a source, keyed by source field name.
// Values are untyped because sources disagree on representation; handlers
// coerce what they need.
type Record map[string]any

// String returns the record field coerced to a string, or "" when absent.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Filters restricts what an adapter reads.
type Filters struct {
	// IDs limits the read to explicit source identifiers.
	IDs []string

	// From/To bound the source modification time when the source tracks one.
	From time.Time
	To   time.Time

	// Constraints are free-form key/value restrictions interpreted by the
	// adapter (e.g. website=base, status=enabled).
	Constraints map[string]string

	// Limit caps how many records the read yields; zero means unbounded.
	Limit int
}

// Empty reports whether the filters restrict nothing.
func (f Filters) Empty() bool {
	return len(f.IDs) == 0 && f.From.IsZero() && f.To.IsZero() && len(f.Constraints) == 0 && f.Limit == 0
}

// RecordIterator is a lazy, finite, forward-only sequence of records. It is
// not restartable mid-stream; re-reading means calling Read again. Next
// returns io.EOF after the last record.
type RecordIterator interface {
	Next() (Record, error)
	Close() error
}

// Adapter reads raw records from one source system.
type Adapter interface {
	// Code identifies the adapter in configuration and delta state.
	Code() string

	// Validate checks that the adapter is usable (files present, connection
	// reachable). A nil error means valid; called once per run before any
	// read.
	Validate() error

	// Read returns a lazy record sequence for one entity type.
	Read(ctx context.Context, entityType string, filters Filters) (RecordIterator, error)

	// Count returns the total matching records when the source can answer
	// cheaply; ok is false when the total is unknown.
	Count(ctx context.Context, entityType string, filters Filters) (total int64, ok bool, err error)
}

// ExistenceChecker is an optional interface adapters implement when they can
// answer batched existence checks, used for orphan detection during ledger
// reconciliation.
type ExistenceChecker interface {
	Exists(ctx context.Context, entityType string, ids []string) (map[string]bool, error)
}
