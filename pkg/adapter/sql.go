package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"regexp"

	"gorm.io/gorm"
)

// SQLAdapter reads records out of a source database, one table per entity
// type. Construct it with NewSQLAdapter; it is not registered through the
// factory registry because it needs a live *gorm.DB, which the caller owns.
type SQLAdapter struct {
	db          *gorm.DB
	tablePrefix string
	idColumn    string
	timeColumn  string
}

// SQLAdapterConfig configures a SQLAdapter.
type SQLAdapterConfig struct {
	// TablePrefix is prepended to the entity type to form the table name.
	TablePrefix string
	// IDColumn is the source identifier column. Defaults to "id".
	IDColumn string
	// TimeColumn is the source modification time column used for date
	// filters. Defaults to "updated_at".
	TimeColumn string
}

// NewSQLAdapter creates a SQLAdapter over an open source connection. The
// connection is owned by the caller and reused across entity-type groups.
func NewSQLAdapter(db *gorm.DB, cfg SQLAdapterConfig) *SQLAdapter {
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	if cfg.TimeColumn == "" {
		cfg.TimeColumn = "updated_at"
	}
	return &SQLAdapter{
		db:          db,
		tablePrefix: cfg.TablePrefix,
		idColumn:    cfg.IDColumn,
		timeColumn:  cfg.TimeColumn,
	}
}

// identifierPattern restricts table and column names interpolated into SQL.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Code implements Adapter.
func (a *SQLAdapter) Code() string { return "sql" }

// Validate pings the source connection.
func (a *SQLAdapter) Validate() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return fmt.Errorf("source connection: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("source connection: %w", err)
	}
	return nil
}

func (a *SQLAdapter) table(entityType string) (string, error) {
	name := a.tablePrefix + entityType
	if !identifierPattern.MatchString(name) {
		return "", fmt.Errorf("invalid source table name %q", name)
	}
	return name, nil
}

func (a *SQLAdapter) query(entityType string, filters Filters) (*gorm.DB, error) {
	table, err := a.table(entityType)
	if err != nil {
		return nil, err
	}
	query := a.db.Table(table)
	if len(filters.IDs) > 0 {
		query = query.Where(a.idColumn+" IN ?", filters.IDs)
	}
	if !filters.From.IsZero() {
		query = query.Where(a.timeColumn+" >= ?", filters.From)
	}
	if !filters.To.IsZero() {
		query = query.Where(a.timeColumn+" <= ?", filters.To)
	}
	for col, val := range filters.Constraints {
		if !identifierPattern.MatchString(col) {
			return nil, fmt.Errorf("invalid constraint column %q", col)
		}
		query = query.Where(col+" = ?", val)
	}
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	return query, nil
}

// Read implements Adapter with a streaming row cursor.
func (a *SQLAdapter) Read(ctx context.Context, entityType string, filters Filters) (RecordIterator, error) {
	query, err := a.query(entityType, filters)
	if err != nil {
		return nil, err
	}
	rows, err := query.WithContext(ctx).Order(a.idColumn + " ASC").Rows()
	if err != nil {
		return nil, fmt.Errorf("read source table for %q: %w", entityType, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("source columns for %q: %w", entityType, err)
	}
	return &sqlIterator{rows: rows, cols: cols}, nil
}

// Count implements Adapter.
func (a *SQLAdapter) Count(ctx context.Context, entityType string, filters Filters) (int64, bool, error) {
	query, err := a.query(entityType, filters)
	if err != nil {
		return 0, false, err
	}
	var n int64
	if err := query.WithContext(ctx).Count(&n).Error; err != nil {
		return 0, false, fmt.Errorf("count source table for %q: %w", entityType, err)
	}
	return n, true, nil
}

// Exists implements ExistenceChecker with one IN query per call.
func (a *SQLAdapter) Exists(ctx context.Context, entityType string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	table, err := a.table(entityType)
	if err != nil {
		return nil, err
	}
	var found []string
	err = a.db.WithContext(ctx).Table(table).
		Where(a.idColumn+" IN ?", ids).
		Pluck(a.idColumn, &found).Error
	if err != nil {
		return nil, fmt.Errorf("existence check for %q: %w", entityType, err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

type sqlIterator struct {
	rows *sql.Rows
	cols []string
}

func (it *sqlIterator) Next() (Record, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, fmt.Errorf("scan source rows: %w", err)
		}
		return nil, io.EOF
	}
	values := make([]any, len(it.cols))
	ptrs := make([]any, len(it.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan source row: %w", err)
	}
	rec := make(Record, len(it.cols))
	for i, col := range it.cols {
		if b, ok := values[i].([]byte); ok {
			rec[col] = string(b)
		} else {
			rec[col] = values[i]
		}
	}
	return rec, nil
}

func (it *sqlIterator) Close() error {
	return it.rows.Close()
}
