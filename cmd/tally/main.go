// Command tally runs the fact ingestion engine and its client tooling.
//
// The server side lives behind "tally serve"; the remaining subcommands
// are thin HTTP clients against a running instance.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "tally - High-volume fact stream counting engine",
	Long: `Facts in, counters out. tally ingests fact messages over HTTP, indexes
them by configured key fields, and evaluates configured counters against
the accumulated stream on every ingest.

Start a server with 'tally serve', then push messages with 'tally send'
or fetch synthetic ones with 'tally example'.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Handle --version flag on root command
		if v, _ := cmd.Flags().GetBool("version"); v {
			printVersion()
			return
		}
		// No subcommand - show help
		_ = cmd.Help() // Help() always returns nil for cobra commands
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "tally.yaml", "server configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")
	rootCmd.Flags().Bool("version", false, "print version and exit")
}

// outputJSON prints v as indented JSON on stdout.
func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
