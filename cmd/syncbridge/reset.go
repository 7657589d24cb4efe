package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	resetEntities []string
	resetDelete   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear delta progress so the next sync starts from scratch",
	Long: `reset clears the delta bookkeeping for a source system so the next sync
re-reads everything. With --delete it also removes the identity mappings, so
re-synced records are treated as never seen before.`,
	RunE: runReset,
}

func init() {
	addEntityFlag(resetCmd.Flags(), &resetEntities, "Restrict to an entity type (repeatable)")
	resetCmd.Flags().BoolVar(&resetDelete, "delete", false, "Also delete identity mappings for the source system")
}

func runReset(_ *cobra.Command, _ []string) error {
	rt := mustRuntime()
	ss := rt.settings.SourceSystem

	if resetDelete {
		n, err := rt.registry.DeleteBySourceSystem(ss, resetEntities...)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d identity mappings for %q\n", n, ss)

		if len(resetEntities) == 0 {
			n, err = rt.delta.DeleteBySourceSystem(ss)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d delta rows for %q\n", n, ss)
			return nil
		}
	}

	n, err := rt.delta.Reset(ss, resetEntities...)
	if err != nil {
		return err
	}
	fmt.Printf("reset delta progress on %d rows for %q\n", n, ss)
	return nil
}
