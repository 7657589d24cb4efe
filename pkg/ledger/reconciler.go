package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// Outcome is the terminal classification of one dispatched source id.
// Completion eligibility is never inferred from the absence of an error; only
// OutcomeSynced makes a row eligible for retirement.
type Outcome int

const (
	// OutcomeSynced: applied to the destination, eligible for completion.
	OutcomeSynced Outcome = iota
	// OutcomeSkipped: validation rejected the record; the row stays pending
	// so it retries once the source data is fixed.
	OutcomeSkipped
	// OutcomeErrored: processing failed; the row stays pending for retry.
	OutcomeErrored
)

// String returns the lower-case outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeErrored:
		return "errored"
	}
	return "unknown"
}

// Dispatcher applies a group of changed source ids to the destination. It is
// satisfied by the sync engine but defined here to avoid a circular
// dependency.
//
// DispatchBatch covers a whole entity-type group in one adapter+handler
// lifecycle. A returned error means the batch failed at the infrastructure
// level (connection, adapter setup) and the reconciler falls back to
// DispatchOne per id; per-record validation failures are reported through the
// outcome map instead.
type Dispatcher interface {
	DispatchBatch(ctx context.Context, entityType string, ids []string) (map[string]Outcome, error)
	DispatchOne(ctx context.Context, entityType, id string) (Outcome, error)
}

// SourceChecker answers batched existence checks against the source system,
// used for orphan detection. One call covers all candidate ids of a type.
type SourceChecker interface {
	Exists(ctx context.Context, entityType string, ids []string) (map[string]bool, error)
}

// Topology fixes the dependency order between entity types.
type Topology struct {
	// Order lists entity types in foreign-key dependency order; owners come
	// before entities that reference them. Types not listed are processed
	// after the listed ones, in map iteration order.
	Order []string

	// SubRecordParent maps informational sub-record types to their parent
	// (address tied to a customer, comment tied to an order). Ledger rows for
	// these types carry the parent's source id. They are never dispatched to
	// their own handler: their parent is re-imported instead, and the
	// sub-record row completes alongside the parent.
	SubRecordParent map[string]string

	// DependentParent maps denormalized dependent types to the parent whose
	// existence they require (stock tied to a product); rows carry the
	// parent's source id. A dependent row whose parent is deleted in the same
	// batch, or no longer exists at the source, is retired without being
	// dispatched.
	DependentParent map[string]string

	// StockTypes marks the entity types the stock-mode tri-state filters on.
	StockTypes []string
}

// DefaultTopology returns the dependency order for the built-in entity set.
func DefaultTopology() Topology {
	return Topology{
		Order: []string{"customer", "product", "order", "invoice", "stock"},
		SubRecordParent: map[string]string{
			"address":       "customer",
			"order_comment": "order",
		},
		DependentParent: map[string]string{
			"stock": "product",
		},
		StockTypes: []string{"stock"},
	}
}

// StockMode pre-filters which entity-type groups are dispatched.
type StockMode string

const (
	StockInclude StockMode = "include"
	StockExclude StockMode = "exclude"
	StockOnly    StockMode = "only"
)

// RunOptions controls a single reconciliation run.
type RunOptions struct {
	EntityTypes   []string
	Limit         int
	MarkCompleted bool
	DryRun        bool
	StockMode     StockMode
}

// TypeReport aggregates outcomes for one entity-type group.
type TypeReport struct {
	Dispatched int
	Synced     int
	Skipped    int
	Errored    int
	Retired    int
	Fallback   bool
}

// Report is the result of one reconciliation run.
type Report struct {
	PerType   map[string]*TypeReport
	Completed int64
	Degraded  bool
	DryRun    bool
}

// Totals sums the per-type reports.
func (r *Report) Totals() TypeReport {
	var t TypeReport
	for _, tr := range r.PerType {
		t.Dispatched += tr.Dispatched
		t.Synced += tr.Synced
		t.Skipped += tr.Skipped
		t.Errored += tr.Errored
		t.Retired += tr.Retired
	}
	return t
}

func (r *Report) typeReport(entityType string) *TypeReport {
	tr, ok := r.PerType[entityType]
	if !ok {
		tr = &TypeReport{}
		r.PerType[entityType] = tr
	}
	return tr
}

// Reconciler consumes pending ledger rows: it retires deletes and orphans
// without dispatch, groups the rest by entity type in dependency order, sends
// each group through the dispatcher batch-first with per-record fallback, and
// marks explicitly-synced rows completed.
type Reconciler struct {
	store      *Store
	topo       Topology
	dispatcher Dispatcher
	source     SourceChecker
	logger     *slog.Logger
}

// NewReconciler creates a Reconciler. source may be nil, in which case the
// orphan existence check is skipped and only in-batch parent deletes retire
// dependents.
func NewReconciler(store *Store, topo Topology, dispatcher Dispatcher, source SourceChecker, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:      store,
		topo:       topo,
		dispatcher: dispatcher,
		source:     source,
		logger:     logger,
	}
}

// Run executes one reconciliation pass over the pending ledger.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	pending, err := r.store.Pending(PendingFilter{
		EntityTypes: opts.EntityTypes,
		Limit:       opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	report := &Report{PerType: make(map[string]*TypeReport), DryRun: opts.DryRun}

	retire, dispatch, err := r.prePass(ctx, pending, report)
	if err != nil {
		return nil, err
	}

	subRetire := r.dispatchGroups(ctx, dispatch, pending, opts, report)
	retire = append(retire, subRetire...)

	if opts.DryRun || !opts.MarkCompleted {
		if len(retire) > 0 {
			r.logger.Info("completion skipped", "eligible", len(retire),
				"dryRun", opts.DryRun, "markCompleted", opts.MarkCompleted)
		}
		return report, nil
	}

	outcome, err := r.store.MarkCompleted(ctx, retire)
	if err != nil {
		return nil, fmt.Errorf("reconcile completion: %w", err)
	}
	report.Completed = outcome.Completed
	if outcome.Degraded {
		report.Degraded = true
		r.logger.Warn("ledger completion degraded: missing write privilege, rows left pending for reprocessing",
			"detail", outcome.Detail)
	}
	return report, nil
}

// prePass retires delete-action rows and orphaned dependents, and decides
// which ids each entity type still needs dispatched.
func (r *Reconciler) prePass(ctx context.Context, pending map[string][]ChangeRecord, report *Report) ([]Key, map[string][]string, error) {
	retire := make([]Key, 0)
	dispatch := make(map[string][]string)

	// Ids deleted in this batch, per entity type, for the in-batch half of
	// the orphan check.
	deletedInBatch := make(map[string]map[string]bool)
	for entityType, rows := range pending {
		for _, row := range rows {
			if row.Action != ActionDelete {
				continue
			}
			if deletedInBatch[entityType] == nil {
				deletedInBatch[entityType] = make(map[string]bool)
			}
			deletedInBatch[entityType][row.EntityID] = true
		}
	}

	for entityType, rows := range pending {
		if _, isSub := r.topo.SubRecordParent[entityType]; isSub {
			// Handled in dispatchGroups alongside the parent.
			continue
		}

		parentType, isDependent := r.topo.DependentParent[entityType]

		var candidates []ChangeRecord
		for _, row := range rows {
			if row.Action == ActionDelete {
				// A delete of a not-yet-synced create is a no-op on the
				// destination; either way the row is done.
				retire = append(retire, Key{entityType, row.EntityID})
				report.typeReport(entityType).Retired++
				continue
			}
			if isDependent && deletedInBatch[parentType][row.EntityID] {
				retire = append(retire, Key{entityType, row.EntityID})
				report.typeReport(entityType).Retired++
				continue
			}
			candidates = append(candidates, row)
		}

		if isDependent && r.source != nil && len(candidates) > 0 {
			// One batched existence check across all candidate ids, not one
			// query per record.
			ids := make([]string, len(candidates))
			for i, row := range candidates {
				ids[i] = row.EntityID
			}
			exists, err := r.source.Exists(ctx, parentType, ids)
			if err != nil {
				return nil, nil, fmt.Errorf("orphan check for %s: %w", entityType, err)
			}
			kept := candidates[:0]
			for _, row := range candidates {
				if !exists[row.EntityID] {
					retire = append(retire, Key{entityType, row.EntityID})
					report.typeReport(entityType).Retired++
					continue
				}
				kept = append(kept, row)
			}
			candidates = kept
		}

		for _, row := range candidates {
			dispatch[entityType] = append(dispatch[entityType], row.EntityID)
		}
	}

	// Sub-record rows fold into their parent's dispatch group: the parent
	// handler pulls current sub-record state itself.
	for entityType, rows := range pending {
		parentType, isSub := r.topo.SubRecordParent[entityType]
		if !isSub {
			continue
		}
		seen := make(map[string]bool, len(dispatch[parentType]))
		for _, id := range dispatch[parentType] {
			seen[id] = true
		}
		for _, row := range rows {
			if row.Action == ActionDelete || deletedInBatch[parentType][row.EntityID] {
				// The sub-record (or its parent) is gone; nothing to import.
				retire = append(retire, Key{entityType, row.EntityID})
				report.typeReport(entityType).Retired++
				continue
			}
			if !seen[row.EntityID] {
				dispatch[parentType] = append(dispatch[parentType], row.EntityID)
				seen[row.EntityID] = true
			}
		}
	}

	return retire, dispatch, nil
}

// dispatchGroups sends each entity-type group through the dispatcher in
// topological order and returns the keys that became eligible for completion.
func (r *Reconciler) dispatchGroups(ctx context.Context, dispatch map[string][]string, pending map[string][]ChangeRecord, opts RunOptions, report *Report) []Key {
	var retire []Key

	stock := make(map[string]bool, len(r.topo.StockTypes))
	for _, t := range r.topo.StockTypes {
		stock[t] = true
	}

	for _, entityType := range r.orderedTypes(dispatch) {
		switch opts.StockMode {
		case StockExclude:
			if stock[entityType] {
				continue
			}
		case StockOnly:
			if !stock[entityType] {
				continue
			}
		}

		ids := dispatch[entityType]
		if len(ids) == 0 {
			continue
		}
		tr := report.typeReport(entityType)
		tr.Dispatched += len(ids)

		outcomes, err := r.dispatcher.DispatchBatch(ctx, entityType, ids)
		if err != nil {
			// Infrastructure failure on the batched call: isolate failures by
			// re-dispatching one record at a time.
			r.logger.Warn("batch dispatch failed, falling back to per-record dispatch",
				"entityType", entityType, "records", len(ids), "error", err)
			tr.Fallback = true
			outcomes = make(map[string]Outcome, len(ids))
			for _, id := range ids {
				outcome, oneErr := r.dispatcher.DispatchOne(ctx, entityType, id)
				if oneErr != nil {
					r.logger.Error("record dispatch failed",
						"entityType", entityType, "id", id, "error", oneErr)
					outcome = OutcomeErrored
				}
				outcomes[id] = outcome
			}
		}

		synced := make(map[string]bool)
		for id, outcome := range outcomes {
			switch outcome {
			case OutcomeSynced:
				tr.Synced++
				synced[id] = true
				retire = append(retire, Key{entityType, id})
			case OutcomeSkipped:
				tr.Skipped++
			default:
				tr.Errored++
			}
		}

		// Sub-record rows complete alongside their parent's processing.
		for subType, parentType := range r.topo.SubRecordParent {
			if parentType != entityType {
				continue
			}
			for _, row := range pending[subType] {
				if synced[row.EntityID] {
					retire = append(retire, Key{subType, row.EntityID})
					report.typeReport(subType).Retired++
				}
			}
		}
	}

	return retire
}

// orderedTypes returns the dispatch groups in topological order, with any
// type missing from the topology appended at the end.
func (r *Reconciler) orderedTypes(dispatch map[string][]string) []string {
	ordered := make([]string, 0, len(dispatch))
	listed := make(map[string]bool, len(r.topo.Order))
	for _, t := range r.topo.Order {
		listed[t] = true
		if _, ok := dispatch[t]; ok {
			ordered = append(ordered, t)
		}
	}
	for t := range dispatch {
		if !listed[t] {
			ordered = append(ordered, t)
		}
	}
	return ordered
}
