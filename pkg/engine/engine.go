// Package engine orchestrates synchronization runs: it pulls records from an
// adapter, rewrites foreign keys through the identity registry, drives the
// per-entity-type handler under the configured duplicate policy, registers
// new identity mappings, and advances the delta state. The same pipeline
// serves full pulls, single-record imports and ledger-driven incremental
// runs.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/syncbridge/syncbridge/pkg/adapter"
	"github.com/syncbridge/syncbridge/pkg/delta"
	"github.com/syncbridge/syncbridge/pkg/handler"
	"github.com/syncbridge/syncbridge/pkg/ledger"
	"github.com/syncbridge/syncbridge/pkg/lock"
	"github.com/syncbridge/syncbridge/pkg/registry"
)

// Deps are the engine's collaborators, acquired once per run and reused
// across entity-type groups.
type Deps struct {
	Adapter  adapter.Adapter
	Handlers []handler.Handler
	Registry *registry.Store
	Delta    *delta.Store
	Ledger   *ledger.Store
	Lock     lock.RunLock
	Topology ledger.Topology
	Logger   *slog.Logger
}

// Engine is the orchestration surface shared by full and incremental sync.
type Engine struct {
	cfg      Config
	adapter  adapter.Adapter
	handlers map[string]handler.Handler
	registry *registry.Store
	delta    *delta.Store
	ledger   *ledger.Store
	lock     lock.RunLock
	topo     ledger.Topology
	logger   *slog.Logger
}

// New validates the configuration and builds an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.SourceSystem == "" {
		return nil, fmt.Errorf("%w: source system is required", ErrConfiguration)
	}
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = DuplicateSkip
	}
	if deps.Adapter == nil {
		return nil, fmt.Errorf("%w: adapter is required", ErrConfiguration)
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: identity registry is required", ErrConfiguration)
	}
	if len(deps.Topology.Order) == 0 {
		deps.Topology = ledger.DefaultTopology()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handlers := make(map[string]handler.Handler, len(deps.Handlers))
	for _, h := range deps.Handlers {
		if _, dup := handlers[h.EntityType()]; dup {
			return nil, fmt.Errorf("%w: two handlers for entity type %q", ErrConfiguration, h.EntityType())
		}
		handlers[h.EntityType()] = h
	}

	return &Engine{
		cfg:      cfg,
		adapter:  deps.Adapter,
		handlers: handlers,
		registry: deps.Registry,
		delta:    deps.Delta,
		ledger:   deps.Ledger,
		lock:     deps.Lock,
		topo:     deps.Topology,
		logger:   logger,
	}, nil
}

// boundResolver binds the registry to the run's source system for handlers.
type boundResolver struct {
	store        *registry.Store
	sourceSystem string
}

func (r boundResolver) Resolve(entityType, sourceID string) (string, bool, error) {
	return r.store.Resolve(r.sourceSystem, entityType, sourceID)
}

// Sync pulls all matching records of one entity type through the pipeline.
func (e *Engine) Sync(ctx context.Context, entityType string) (*SyncResult, error) {
	h, ok := e.handlers[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for entity type %q", ErrConfiguration, entityType)
	}
	if err := e.adapter.Validate(); err != nil {
		return nil, fmt.Errorf("%w: adapter %q: %v", ErrConfiguration, e.adapter.Code(), err)
	}

	filters, err := e.deltaFilters(entityType)
	if err != nil {
		return nil, err
	}

	it, err := e.adapter.Read(ctx, entityType, filters)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q from %q: %v", ErrConnection, entityType, e.adapter.Code(), err)
	}
	defer it.Close()

	result := &SyncResult{EntityType: entityType}
	var mappings []registry.Mapping
	var highID string
	var highTime time.Time

	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %q: %v", ErrConnection, entityType, err)
		}

		rr, mapping, err := e.importRecord(ctx, h, rec, e.cfg.DuplicatePolicy, e.cfg.DryRun)
		if err != nil {
			return nil, err
		}
		result.add(rr)
		if mapping != nil {
			mappings = append(mappings, *mapping)
		}
		if rr.Succeeded() {
			if id := rec.String(e.cfg.idField()); id != "" && entityIDAfter(id, highID) {
				highID = id
			}
			if ts, ok := parseRecordTime(rec.String(e.cfg.timeField())); ok && ts.After(highTime) {
				highTime = ts
			}
		}
	}

	if e.cfg.DryRun {
		e.logger.Info("dry run complete, no mutations applied",
			"entityType", entityType, "planned", result.Processed())
		return result, nil
	}

	if len(mappings) > 0 {
		if _, err := e.registry.BulkUpsert(mappings); err != nil {
			return nil, fmt.Errorf("register mappings for %q: %w", entityType, err)
		}
	}

	if finalizer, ok := h.(handler.BatchFinalizer); ok && result.Processed() > 0 {
		if err := finalizer.FinalizeBatch(ctx); err != nil {
			return nil, fmt.Errorf("finalize batch for %q: %w", entityType, err)
		}
	}

	if e.delta != nil {
		lastError := ""
		for i := len(result.Records) - 1; i >= 0; i-- {
			if result.Records[i].Status == StatusErrored {
				lastError = result.Records[i].Message
				break
			}
		}
		err := e.delta.RecordSuccess(e.cfg.SourceSystem, entityType, delta.Progress{
			AdapterCode:   e.adapter.Code(),
			LastEntityID:  highID,
			LastUpdatedAt: highTime,
			SyncedCount:   int64(result.Succeeded()),
			ErrorCount:    int64(result.Errored),
			LastError:     lastError,
			ConfigHash:    e.cfg.Hash(),
		})
		if err != nil {
			return nil, fmt.Errorf("record delta state for %q: %w", entityType, err)
		}
	}

	e.logger.Info("sync complete",
		"entityType", entityType,
		"created", result.Created,
		"updated", result.Updated,
		"merged", result.Merged,
		"skipped", result.Skipped,
		"errored", result.Errored)
	return result, nil
}

// ImportSingle runs the pipeline for exactly one record, for programmatic
// callers. The finalization hook still fires: a single import is a batch of
// one.
func (e *Engine) ImportSingle(ctx context.Context, entityType string, rec adapter.Record) (*RecordResult, error) {
	h, ok := e.handlers[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for entity type %q", ErrConfiguration, entityType)
	}

	rr, mapping, err := e.importRecord(ctx, h, rec, e.cfg.DuplicatePolicy, e.cfg.DryRun)
	if err != nil {
		return nil, err
	}
	if e.cfg.DryRun {
		return &rr, nil
	}
	if mapping != nil {
		if _, err := e.registry.BulkUpsert([]registry.Mapping{*mapping}); err != nil {
			return nil, fmt.Errorf("register mapping for %q: %w", entityType, err)
		}
	}
	if finalizer, ok := h.(handler.BatchFinalizer); ok {
		if err := finalizer.FinalizeBatch(ctx); err != nil {
			return nil, fmt.Errorf("finalize batch for %q: %w", entityType, err)
		}
	}
	return &rr, nil
}

// importRecord walks one record through the per-record state machine:
// fetched, FK-resolved, existence-checked, action under the duplicate
// policy, persisted, registered. The returned error aborts the whole run;
// record-level failures come back inside the RecordResult instead.
func (e *Engine) importRecord(ctx context.Context, h handler.Handler, rec adapter.Record, policy DuplicatePolicy, dryRun bool) (RecordResult, *registry.Mapping, error) {
	entityType := h.EntityType()
	sourceID := rec.String(e.cfg.idField())
	if sourceID == "" {
		rr := RecordResult{Status: StatusErrored, Message: "record has no source id"}
		if !e.cfg.SkipInvalid {
			return rr, nil, fmt.Errorf("%w: %q record has no source id field %q", ErrValidation, entityType, e.cfg.idField())
		}
		return rr, nil, nil
	}
	e.cfg.progress(ProgressEvent{EntityType: entityType, SourceID: sourceID, Stage: "fetched"})

	// Rewrite declared foreign keys to destination ids before the handler
	// sees the record.
	if fkp, ok := h.(handler.ForeignKeyProvider); ok {
		for _, fk := range fkp.ForeignKeys() {
			ref := rec.String(fk.Field)
			if ref == "" {
				if fk.Required {
					return e.recordFailure(entityType, sourceID,
						fmt.Errorf("%w: %s %s has empty required reference %q", ErrResolution, entityType, sourceID, fk.Field))
				}
				continue
			}
			target, found, err := e.registry.Resolve(e.cfg.SourceSystem, fk.EntityType, ref)
			if err != nil {
				return RecordResult{}, nil, fmt.Errorf("resolve %s.%s: %w", entityType, fk.Field, err)
			}
			if !found {
				if fk.Required {
					return e.recordFailure(entityType, sourceID,
						fmt.Errorf("%w: %s %s references unresolved %s %s", ErrResolution, entityType, sourceID, fk.EntityType, ref))
				}
				rec[fk.Field] = ""
				continue
			}
			rec[fk.Field] = target
		}
	}
	e.cfg.progress(ProgressEvent{EntityType: entityType, SourceID: sourceID, Stage: "resolved"})

	if msgs := h.Validate(rec); len(msgs) > 0 {
		err := fmt.Errorf("%w: %s %s: %v", ErrValidation, entityType, sourceID, msgs)
		if !e.cfg.SkipInvalid {
			return RecordResult{}, nil, err
		}
		e.cfg.progress(ProgressEvent{EntityType: entityType, SourceID: sourceID, Stage: "skipped", Message: err.Error()})
		return RecordResult{SourceID: sourceID, Status: StatusSkipped, Message: err.Error()}, nil, nil
	}

	existingID, exists, err := h.FindExisting(ctx, rec)
	if err != nil {
		return RecordResult{}, nil, fmt.Errorf("existence check for %s %s: %w", entityType, sourceID, err)
	}
	e.cfg.progress(ProgressEvent{EntityType: entityType, SourceID: sourceID, Stage: "checked"})

	mode := handler.ModeCreate
	status := StatusCreated
	if exists {
		switch policy {
		case DuplicateSkip:
			e.cfg.progress(ProgressEvent{EntityType: entityType, SourceID: sourceID, Stage: "skipped", Message: "already exists"})
			return RecordResult{SourceID: sourceID, TargetID: existingID, Status: StatusSkipped, Message: "already exists"}, nil, nil
		case DuplicateError:
			dupErr := fmt.Errorf("%w: %s %s already exists as %s", ErrDuplicate, entityType, sourceID, existingID)
			e.cfg.progress(ProgressEvent{EntityType: entityType, SourceID: sourceID, Stage: "errored", Message: dupErr.Error()})
			return RecordResult{SourceID: sourceID, TargetID: existingID, Status: StatusErrored, Message: dupErr.Error()}, nil, nil
		case DuplicateUpdate:
			mode, status = handler.ModeUpdate, StatusUpdated
		case DuplicateMerge:
			mode, status = handler.ModeMerge, StatusMerged
		}
	}

	if dryRun {
		// Full read/resolve/plan has run; stop before mutation so the output
		// is representative of a real run.
		return RecordResult{SourceID: sourceID, TargetID: existingID, Status: status, Message: "dry-run"}, nil, nil
	}

	targetID, err := h.Import(ctx, rec, handler.ImportContext{
		Resolver:         boundResolver{store: e.registry, sourceSystem: e.cfg.SourceSystem},
		ExistingTargetID: existingID,
		Mode:             mode,
	})
	if err != nil {
		e.logger.Error("import failed", "entityType", entityType, "sourceID", sourceID, "error", err)
		e.cfg.progress(ProgressEvent{EntityType: entityType, SourceID: sourceID, Stage: "errored", Message: err.Error()})
		return RecordResult{SourceID: sourceID, Status: StatusErrored, Message: err.Error()}, nil, nil
	}
	e.cfg.progress(ProgressEvent{EntityType: entityType, SourceID: sourceID, Stage: string(status), Message: targetID})

	mapping := &registry.Mapping{
		SourceSystem: e.cfg.SourceSystem,
		EntityType:   entityType,
		SourceID:     sourceID,
		TargetID:     targetID,
	}
	if erp, ok := h.(handler.ExternalRefProvider); ok {
		mapping.ExternalRef = erp.ExternalRef(rec)
	}

	return RecordResult{SourceID: sourceID, TargetID: targetID, Status: status}, mapping, nil
}

// recordFailure turns a per-record taxonomy error into a skip when the run
// is configured to continue past invalid records, or into a run abort.
func (e *Engine) recordFailure(entityType, sourceID string, err error) (RecordResult, *registry.Mapping, error) {
	if !e.cfg.SkipInvalid {
		return RecordResult{}, nil, err
	}
	e.cfg.progress(ProgressEvent{EntityType: entityType, SourceID: sourceID, Stage: "skipped", Message: err.Error()})
	return RecordResult{SourceID: sourceID, Status: StatusSkipped, Message: err.Error()}, nil, nil
}

// deltaFilters restricts the run's filters to records changed since the last
// successful pull, unless the stored high-water mark was recorded under a
// different configuration.
func (e *Engine) deltaFilters(entityType string) (adapter.Filters, error) {
	filters := e.cfg.Filters
	if e.delta == nil || len(filters.IDs) > 0 || !filters.From.IsZero() {
		return filters, nil
	}
	st, err := e.delta.Load(e.cfg.SourceSystem, entityType)
	if err != nil {
		return filters, err
	}
	if st == nil || st.LastUpdatedAt == nil {
		return filters, nil
	}
	if st.ConfigHash != nil && *st.ConfigHash != e.cfg.Hash() {
		e.logger.Warn("sync configuration changed since last run, ignoring stored high-water mark",
			"entityType", entityType, "storedHash", *st.ConfigHash, "currentHash", e.cfg.Hash())
		return filters, nil
	}
	filters.From = *st.LastUpdatedAt
	return filters, nil
}

func entityIDAfter(candidate, current string) bool {
	if current == "" {
		return true
	}
	ci, errC := strconv.ParseInt(candidate, 10, 64)
	pi, errP := strconv.ParseInt(current, 10, 64)
	if errC == nil && errP == nil {
		return ci > pi
	}
	return candidate > current
}

func parseRecordTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
