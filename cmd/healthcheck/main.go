// Package main provides a minimal healthcheck binary for container probes.
// It connects to the bookkeeping database and exits with code 0 when it is
// reachable or code 1 on failure.
// Usage: healthcheck [db-type] (DSN from SYNCBRIDGE_DB_DSN)
package main

import (
	"fmt"
	"os"

	"github.com/syncbridge/syncbridge/internal/db"
)

func main() {
	dbType := os.Getenv("SYNCBRIDGE_DB_TYPE")
	if len(os.Args) > 1 {
		dbType = os.Args[1]
	}
	dsn := os.Getenv("SYNCBRIDGE_DB_DSN")
	if dsn == "" {
		fmt.Fprintf(os.Stderr, "healthcheck: SYNCBRIDGE_DB_DSN is not set\n")
		os.Exit(1)
	}

	gormDB, err := db.Open(dbType, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}
