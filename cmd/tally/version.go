package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tallylabs/tally/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func printVersion() {
	if jsonOutput {
		outputJSON(map[string]string{
			"version": version.Version,
			"build":   version.Build,
			"commit":  version.ResolveCommit(),
			"branch":  version.ResolveBranch(),
		})
		return
	}
	fmt.Printf("tally version %s\n", version.Full())
}
