package adapter

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

func init() {
	Register("csv", func(opts map[string]string) (Adapter, error) {
		dir := opts["dir"]
		if dir == "" {
			return nil, fmt.Errorf("csv adapter requires a %q option", "dir")
		}
		a := &CSVAdapter{dir: dir, idColumn: opts["id_column"], timeColumn: opts["time_column"]}
		if a.idColumn == "" {
			a.idColumn = "id"
		}
		if a.timeColumn == "" {
			a.timeColumn = "updated_at"
		}
		return a, nil
	})
}

// CSVAdapter reads one CSV file per entity type from a directory
// (<dir>/<entityType>.csv). The header row names the record fields.
type CSVAdapter struct {
	dir        string
	idColumn   string
	timeColumn string
}

// Code implements Adapter.
func (a *CSVAdapter) Code() string { return "csv" }

// Validate checks that the source directory exists.
func (a *CSVAdapter) Validate() error {
	info, err := os.Stat(a.dir)
	if err != nil {
		return fmt.Errorf("csv source directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("csv source %q is not a directory", a.dir)
	}
	return nil
}

func (a *CSVAdapter) path(entityType string) string {
	return filepath.Join(a.dir, entityType+".csv")
}

// Read implements Adapter. Filters are applied while streaming.
func (a *CSVAdapter) Read(_ context.Context, entityType string, filters Filters) (RecordIterator, error) {
	f, err := os.Open(a.path(entityType))
	if err != nil {
		return nil, fmt.Errorf("open csv for %q: %w", entityType, err)
	}
	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read csv header for %q: %w", entityType, err)
	}
	return &csvIterator{
		file:    f,
		reader:  r,
		header:  header,
		filters: filters,
		adapter: a,
	}, nil
}

// Count implements Adapter by scanning the file.
func (a *CSVAdapter) Count(ctx context.Context, entityType string, filters Filters) (int64, bool, error) {
	it, err := a.Read(ctx, entityType, filters)
	if err != nil {
		return 0, false, err
	}
	defer it.Close()
	var n int64
	for {
		_, err := it.Next()
		if err == io.EOF {
			return n, true, nil
		}
		if err != nil {
			return 0, false, err
		}
		n++
	}
}

// Exists implements ExistenceChecker with one pass over the file.
func (a *CSVAdapter) Exists(ctx context.Context, entityType string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	it, err := a.Read(ctx, entityType, Filters{IDs: ids})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	defer it.Close()
	for {
		rec, err := it.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out[rec.String(a.idColumn)] = true
	}
}

type csvIterator struct {
	file    *os.File
	reader  *csv.Reader
	header  []string
	filters Filters
	adapter *CSVAdapter
	idSet   map[string]bool
	yielded int
}

func (it *csvIterator) Next() (Record, error) {
	if it.filters.Limit > 0 && it.yielded >= it.filters.Limit {
		return nil, io.EOF
	}
	if it.idSet == nil && len(it.filters.IDs) > 0 {
		it.idSet = make(map[string]bool, len(it.filters.IDs))
		for _, id := range it.filters.IDs {
			it.idSet[id] = true
		}
	}
	for {
		row, err := it.reader.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		rec := make(Record, len(it.header))
		for i, col := range it.header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		if it.matches(rec) {
			it.yielded++
			return rec, nil
		}
	}
}

func (it *csvIterator) matches(rec Record) bool {
	if it.idSet != nil && !it.idSet[rec.String(it.adapter.idColumn)] {
		return false
	}
	for k, v := range it.filters.Constraints {
		if rec.String(k) != v {
			return false
		}
	}
	if !it.filters.From.IsZero() || !it.filters.To.IsZero() {
		ts, ok := parseSourceTime(rec.String(it.adapter.timeColumn))
		if ok {
			if !it.filters.From.IsZero() && ts.Before(it.filters.From) {
				return false
			}
			if !it.filters.To.IsZero() && ts.After(it.filters.To) {
				return false
			}
		}
	}
	return true
}

func (it *csvIterator) Close() error {
	return it.file.Close()
}

// parseSourceTime accepts the timestamp layouts sources commonly emit.
func parseSourceTime(s string) (time.Time, bool) {
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
