package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/syncbridge/syncbridge/pkg/adapter"
	"github.com/syncbridge/syncbridge/pkg/handler"
	"github.com/syncbridge/syncbridge/pkg/ledger"
	"github.com/syncbridge/syncbridge/pkg/registry"
)

// DispatchBatch re-imports a group of changed source ids in one adapter read.
// A returned error signals an infrastructure failure and triggers per-record
// fallback in the caller; record-level failures are carried in the outcome
// map. Ids the source no longer returns are reported skipped so their ledger
// rows stay pending until the next orphan check retires them.
func (e *Engine) DispatchBatch(ctx context.Context, entityType string, ids []string) (map[string]ledger.Outcome, error) {
	return e.dispatchBatch(ctx, entityType, ids, e.cfg.DryRun)
}

func (e *Engine) dispatchBatch(ctx context.Context, entityType string, ids []string, dryRun bool) (map[string]ledger.Outcome, error) {
	h, ok := e.handlers[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for entity type %q", ErrConfiguration, entityType)
	}

	it, err := e.adapter.Read(ctx, entityType, adapter.Filters{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("%w: read %q from %q: %v", ErrConnection, entityType, e.adapter.Code(), err)
	}
	defer it.Close()

	// The ledger already established these records changed at the source, so
	// the skip policy would strand their rows pending; existing records are
	// updated instead.
	policy := e.cfg.DuplicatePolicy
	if policy == DuplicateSkip {
		policy = DuplicateUpdate
	}

	outcomes := make(map[string]ledger.Outcome, len(ids))
	var mappings []registry.Mapping
	processed := 0

	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %q: %v", ErrConnection, entityType, err)
		}

		id := rec.String(e.cfg.idField())
		rr, mapping, err := e.importRecord(ctx, h, rec, policy, dryRun)
		if err != nil {
			return nil, err
		}
		processed++
		if mapping != nil {
			mappings = append(mappings, *mapping)
		}
		outcomes[id] = recordOutcome(rr)
	}

	if !dryRun {
		if len(mappings) > 0 {
			if _, err := e.registry.BulkUpsert(mappings); err != nil {
				return nil, fmt.Errorf("register mappings for %q: %w", entityType, err)
			}
		}
		if finalizer, ok := h.(handler.BatchFinalizer); ok && processed > 0 {
			if err := finalizer.FinalizeBatch(ctx); err != nil {
				return nil, fmt.Errorf("finalize batch for %q: %w", entityType, err)
			}
		}
	}

	for _, id := range ids {
		if _, seen := outcomes[id]; !seen {
			e.logger.Info("changed record no longer present at source",
				"entityType", entityType, "id", id)
			outcomes[id] = ledger.OutcomeSkipped
		}
	}
	return outcomes, nil
}

// DispatchOne re-imports a single changed source id, the per-record fallback
// path when a whole batch fails.
func (e *Engine) DispatchOne(ctx context.Context, entityType, id string) (ledger.Outcome, error) {
	outcomes, err := e.dispatchBatch(ctx, entityType, []string{id}, e.cfg.DryRun)
	if err != nil {
		return ledger.OutcomeErrored, err
	}
	return outcomes[id], nil
}

// dryRunDispatcher forces the dry-run short circuit for every dispatch in a
// run, whatever the engine's own configuration says.
type dryRunDispatcher struct {
	e *Engine
}

func (d dryRunDispatcher) DispatchBatch(ctx context.Context, entityType string, ids []string) (map[string]ledger.Outcome, error) {
	return d.e.dispatchBatch(ctx, entityType, ids, true)
}

func (d dryRunDispatcher) DispatchOne(ctx context.Context, entityType, id string) (ledger.Outcome, error) {
	outcomes, err := d.e.dispatchBatch(ctx, entityType, []string{id}, true)
	if err != nil {
		return ledger.OutcomeErrored, err
	}
	return outcomes[id], nil
}

// Exists answers batched existence checks for orphan detection, preferring
// the adapter's native check over counting reads.
func (e *Engine) Exists(ctx context.Context, entityType string, ids []string) (map[string]bool, error) {
	if checker, ok := e.adapter.(adapter.ExistenceChecker); ok {
		return checker.Exists(ctx, entityType, ids)
	}

	it, err := e.adapter.Read(ctx, entityType, adapter.Filters{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("%w: existence read %q from %q: %v", ErrConnection, entityType, e.adapter.Code(), err)
	}
	defer it.Close()

	exists := make(map[string]bool, len(ids))
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %q: %v", ErrConnection, entityType, err)
		}
		if id := rec.String(e.cfg.idField()); id != "" {
			exists[id] = true
		}
	}
	return exists, nil
}

func recordOutcome(rr RecordResult) ledger.Outcome {
	switch rr.Status {
	case StatusCreated, StatusUpdated, StatusMerged:
		return ledger.OutcomeSynced
	case StatusSkipped:
		return ledger.OutcomeSkipped
	}
	return ledger.OutcomeErrored
}
