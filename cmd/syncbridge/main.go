// Package main provides the syncbridge command line interface: full pulls,
// ledger-driven incremental runs, and bookkeeping inspection.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

func main() {
	// Initialize glog for the fatal startup paths.
	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
