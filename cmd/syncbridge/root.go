package main

import (
	"fmt"
	"log/slog"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/syncbridge/syncbridge/internal/config"
	"github.com/syncbridge/syncbridge/internal/db"
	"github.com/syncbridge/syncbridge/pkg/adapter"
	"github.com/syncbridge/syncbridge/pkg/delta"
	"github.com/syncbridge/syncbridge/pkg/engine"
	"github.com/syncbridge/syncbridge/pkg/handler"
	"github.com/syncbridge/syncbridge/pkg/ledger"
	"github.com/syncbridge/syncbridge/pkg/lock"
	"github.com/syncbridge/syncbridge/pkg/registry"
)

var (
	dbType       string
	dbDSN        string
	envFile      string
	sourceSystem string
	adapterCode  string
	adapterOpts  map[string]string
)

var rootCmd = &cobra.Command{
	Use:   "syncbridge",
	Short: "Synchronize business records between systems with different identity spaces",
	Long: `syncbridge migrates and continuously replicates business records from a
source system into a destination system, keeping an identity registry, delta
bookkeeping, and a change ledger in its own database.

Adapters (how records are read) and handlers (how records are written) are
registered by integration builds; "csv" ships built in.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dbType, "db-type", "", "Bookkeeping database type (postgres, mysql, or sqlite; default postgres)")
	pf.StringVar(&dbDSN, "db-dsn", "", "Bookkeeping database connection string")
	pf.StringVar(&envFile, "env-file", "", "YAML environment file used when flags and SYNCBRIDGE_* env vars are unset")
	pf.StringVar(&sourceSystem, "source-system", "", "Source system code tagging everything this run writes")
	pf.StringVar(&adapterCode, "adapter", "", "Adapter code to read records with")
	pf.StringToStringVar(&adapterOpts, "adapter-opt", nil, "Adapter option as key=value (repeatable)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(incrementalCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

// runtimeDeps bundles the per-invocation collaborators: one database
// connection, one store of each kind.
type runtimeDeps struct {
	settings config.Settings
	db       *gorm.DB
	registry *registry.Store
	delta    *delta.Store
	ledger   *ledger.Store
	lock     lock.RunLock
	logger   *slog.Logger
}

// mustRuntime resolves configuration and connects to the bookkeeping
// database. Startup failures are fatal before any mutation.
func mustRuntime() *runtimeDeps {
	settings, err := config.Resolve(dbType, dbDSN, sourceSystem, adapterCode, envFile)
	if err != nil {
		glog.Fatalf("Failed to resolve configuration: %v", err)
	}
	if settings.SourceSystem == "" {
		glog.Fatalf("Source system is required (use --source-system or SYNCBRIDGE_SOURCE_SYSTEM)")
	}

	gormDB, err := db.Open(settings.DBType, settings.DBDSN)
	if err != nil {
		glog.Fatalf("Failed to connect to bookkeeping database: %v", err)
	}
	if err := db.Migrate(gormDB); err != nil {
		glog.Fatalf("Failed to migrate bookkeeping tables: %v", err)
	}
	runLock, err := lock.New(gormDB, lock.DefaultResource)
	if err != nil {
		glog.Fatalf("Failed to prepare run lock: %v", err)
	}

	return &runtimeDeps{
		settings: settings,
		db:       gormDB,
		registry: registry.NewStore(gormDB),
		delta:    delta.NewStore(gormDB),
		ledger:   ledger.NewStore(gormDB),
		lock:     runLock,
		logger:   slog.Default(),
	}
}

// buildEngine assembles the engine over the configured adapter and every
// registered handler.
func (rt *runtimeDeps) buildEngine(cfg engine.Config) (*engine.Engine, error) {
	if rt.settings.Adapter == "" {
		return nil, fmt.Errorf("adapter is required (use --adapter or SYNCBRIDGE_ADAPTER; registered: %v)", adapter.Codes())
	}
	opts := make(map[string]string, len(rt.settings.AdapterOpts)+len(adapterOpts))
	for k, v := range rt.settings.AdapterOpts {
		opts[k] = v
	}
	for k, v := range adapterOpts {
		opts[k] = v
	}

	src, err := adapter.New(rt.settings.Adapter, opts)
	if err != nil {
		return nil, err
	}

	var handlers []handler.Handler
	for _, entityType := range handler.EntityTypes() {
		h, err := handler.New(entityType, opts)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}

	cfg.SourceSystem = rt.settings.SourceSystem
	return engine.New(cfg, engine.Deps{
		Adapter:  src,
		Handlers: handlers,
		Registry: rt.registry,
		Delta:    rt.delta,
		Ledger:   rt.ledger,
		Lock:     rt.lock,
		Logger:   rt.logger,
	})
}
