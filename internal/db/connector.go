// Package db opens the bookkeeping database connection shared by the sync
// stores and runs their schema migrations.
package db

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/syncbridge/syncbridge/pkg/delta"
	"github.com/syncbridge/syncbridge/pkg/ledger"
	"github.com/syncbridge/syncbridge/pkg/registry"
)

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

// Open connects to the bookkeeping database. The connection is opened once
// per run and shared by every store.
func Open(dbType, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var dialector gorm.Dialector
	switch dbType {
	case TypePostgres, "":
		dialector = postgres.Open(dsn)
	case TypeMySQL:
		dialector = mysql.Open(dsn)
	case TypeSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q (expected postgres, mysql, or sqlite)", dbType)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", dbType, err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return gormDB, nil
}

// Migrate creates or updates the bookkeeping tables for every store.
func Migrate(gormDB *gorm.DB) error {
	if err := registry.NewStore(gormDB).AutoMigrate(); err != nil {
		return fmt.Errorf("migrate identity mappings: %w", err)
	}
	if err := delta.NewStore(gormDB).AutoMigrate(); err != nil {
		return fmt.Errorf("migrate delta states: %w", err)
	}
	if err := ledger.NewStore(gormDB).AutoMigrate(); err != nil {
		return fmt.Errorf("migrate change ledger: %w", err)
	}
	return nil
}
