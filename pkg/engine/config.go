package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/syncbridge/syncbridge/pkg/adapter"
)

// DuplicatePolicy decides what happens when a record already exists at the
// destination.
type DuplicatePolicy string

const (
	// DuplicateSkip leaves the existing destination record untouched.
	DuplicateSkip DuplicatePolicy = "skip"
	// DuplicateUpdate overwrites the existing record with the source data.
	DuplicateUpdate DuplicatePolicy = "update"
	// DuplicateMerge merges source data into the existing record.
	DuplicateMerge DuplicatePolicy = "merge"
	// DuplicateError fails the record.
	DuplicateError DuplicatePolicy = "error"
)

// ParseDuplicatePolicy validates a policy string from configuration.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case DuplicateSkip, DuplicateUpdate, DuplicateMerge, DuplicateError:
		return DuplicatePolicy(s), nil
	case "":
		return DuplicateSkip, nil
	}
	return "", fmt.Errorf("%w: unknown duplicate policy %q", ErrConfiguration, s)
}

// ProgressEvent is one step of verbose progress output.
type ProgressEvent struct {
	EntityType string
	SourceID   string
	Stage      string
	Message    string
}

// ProgressFunc receives progress events; nil disables them.
type ProgressFunc func(ev ProgressEvent)

// Config is the engine's configuration surface.
type Config struct {
	// SourceSystem tags every registry mapping and delta row this run
	// writes.
	SourceSystem string

	// DuplicatePolicy decides the action for records that already exist.
	DuplicatePolicy DuplicatePolicy

	// SkipInvalid records validation and resolution failures as skips
	// instead of aborting the run.
	SkipInvalid bool

	// Filters restrict the adapter read (ids, dates, free-form).
	Filters adapter.Filters

	// IDField is the record field carrying the source identifier. Defaults
	// to "id".
	IDField string

	// TimeField is the record field carrying the source modification time,
	// used for the delta high-water mark. Defaults to "updated_at".
	TimeField string

	// DryRun plans the full run but stops every record before mutation.
	DryRun bool

	// Progress receives per-record progress events.
	Progress ProgressFunc
}

func (c *Config) idField() string {
	if c.IDField == "" {
		return "id"
	}
	return c.IDField
}

func (c *Config) timeField() string {
	if c.TimeField == "" {
		return "updated_at"
	}
	return c.TimeField
}

func (c *Config) progress(ev ProgressEvent) {
	if c.Progress != nil {
		c.Progress(ev)
	}
}

// Hash fingerprints the parts of the configuration that change what a pull
// reads, so a later run can detect that its delta high-water mark was
// recorded under different settings.
func (c *Config) Hash() string {
	var b strings.Builder
	b.WriteString(c.SourceSystem)
	b.WriteByte('|')
	b.WriteString(string(c.DuplicatePolicy))
	b.WriteByte('|')
	keys := make([]string, 0, len(c.Filters.Constraints))
	for k := range c.Filters.Constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(c.Filters.Constraints[k])
		b.WriteByte(';')
	}
	if !c.Filters.To.IsZero() {
		b.WriteString(c.Filters.To.Format(time.RFC3339))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:6])
}
