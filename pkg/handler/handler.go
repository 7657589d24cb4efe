// Package handler defines the contract for entity handlers: the external
// collaborators that validate, deduplicate and persist one entity type into
// the destination. The sync engine drives handlers through this interface;
// concrete handlers register themselves by entity type.
package handler

import (
	"context"

	"github.com/syncbridge/syncbridge/pkg/adapter"
)

// Resolver is the narrow view of the identity registry handed to handlers
// during import, bound to the run's source system.
type Resolver interface {
	// Resolve translates a source identifier of the given entity type into
	// its destination identifier. ok is false when no mapping exists.
	Resolve(entityType, sourceID string) (targetID string, ok bool, err error)
}

// ImportMode tells the handler what the engine decided for this record under
// the configured duplicate policy.
type ImportMode string

const (
	ModeCreate ImportMode = "create"
	ModeUpdate ImportMode = "update"
	ModeMerge  ImportMode = "merge"
)

// ImportContext carries the per-record context of an Import call.
type ImportContext struct {
	// Resolver resolves foreign keys beyond the ones the engine rewrote.
	Resolver Resolver

	// ExistingTargetID is the destination id found by FindExisting; empty in
	// ModeCreate.
	ExistingTargetID string

	// Mode is the action the duplicate policy selected.
	Mode ImportMode
}

// Handler persists one entity type into the destination. Implementations
// must be idempotent on re-application: the ledger guarantees at-least-once
// delivery, not exactly-once.
type Handler interface {
	// EntityType returns the entity type this handler owns.
	EntityType() string

	// FindExisting reports whether a matching destination record already
	// exists and under which destination id.
	FindExisting(ctx context.Context, rec adapter.Record) (targetID string, found bool, err error)

	// Validate returns the record's validation failures, empty when valid.
	Validate(rec adapter.Record) []string

	// Import persists the record and returns the destination id.
	Import(ctx context.Context, rec adapter.Record, ic ImportContext) (targetID string, err error)
}

// BatchFinalizer is an optional interface for handlers that resolve
// cross-record relationships (configurable-product linking and the like)
// once all rows of a batch exist. The engine invokes it exactly once per
// batch, after every record has been processed and registered.
type BatchFinalizer interface {
	FinalizeBatch(ctx context.Context) error
}

// ForeignKey declares one source-id reference inside a record that the
// engine rewrites to a destination id before Import.
type ForeignKey struct {
	// Field is the record field holding the referenced source id.
	Field string

	// EntityType is the referenced entity type.
	EntityType string

	// Required marks references whose failed resolution fails the record; an
	// optional unresolved reference is passed through as empty.
	Required bool
}

// ForeignKeyProvider is an optional interface for handlers whose records
// reference other entities.
type ForeignKeyProvider interface {
	ForeignKeys() []ForeignKey
}

// ExternalRefProvider is an optional interface for handlers that expose an
// alternate lookup key (email, SKU, order number) recorded on the identity
// mapping.
type ExternalRefProvider interface {
	ExternalRef(rec adapter.Record) string
}
