package main

import "github.com/spf13/pflag"

// addEntityFlag declares the repeatable --entity flag shared by the sync,
// incremental, status, and reset commands.
func addEntityFlag(fs *pflag.FlagSet, target *[]string, usage string) {
	fs.StringSliceVar(target, "entity", nil, usage)
}
