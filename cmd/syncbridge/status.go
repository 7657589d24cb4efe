package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusEntities []string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending changes, sync progress, and the run lock holder",
	RunE:  runStatus,
}

func init() {
	addEntityFlag(statusCmd.Flags(), &statusEntities, "Restrict to an entity type (repeatable)")
}

func runStatus(_ *cobra.Command, _ []string) error {
	rt := mustRuntime()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	counts, err := rt.ledger.CountByState(statusEntities...)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "LEDGER\tSTATE\tROWS")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%s\t%d\n", c.EntityType, c.SyncState, c.N)
	}
	if len(counts) == 0 {
		fmt.Fprintln(w, "-\t-\t0")
	}
	fmt.Fprintln(w)

	states, err := rt.delta.List(rt.settings.SourceSystem)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "DELTA\tADAPTER\tLAST SYNC\tLAST ID\tSYNCED\tERRORS")
	for _, st := range states {
		lastID := "-"
		if st.LastEntityID != nil {
			lastID = *st.LastEntityID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			st.EntityType, st.AdapterCode,
			st.LastSyncAt.Format(time.RFC3339), lastID,
			st.SyncCount, st.ErrorCount)
	}
	if len(states) == 0 {
		fmt.Fprintf(w, "no delta state for source system %q\n", rt.settings.SourceSystem)
	}
	fmt.Fprintln(w)

	holder, err := rt.lock.Inspect()
	if err != nil {
		return err
	}
	if holder == nil {
		fmt.Fprintln(w, "run lock: free")
	} else {
		fmt.Fprintf(w, "run lock: held by pid %d on %s for %s\n",
			holder.PID, holder.Hostname, holder.Age().Round(time.Second))
	}

	return w.Flush()
}
