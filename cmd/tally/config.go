package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tallylabs/tally/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and scaffold server configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	Long: `Show prints the configuration the server would run with: defaults,
then the server file, then TALLY_* environment overrides.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(cfg)
			return nil
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a server configuration file interactively",
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	port := strconv.Itoa(cfg.WebPort)
	backend := cfg.DBBackend
	dataDir := cfg.DataDir
	logLevel := cfg.LogLevel
	embed := cfg.EmbedFactData
	workers := strconv.Itoa(cfg.QueryWorkers)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Web port").
				Description("HTTP listen port for the ingestion API").
				Placeholder("8080").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("port must be 1-65535")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("Storage backend").
				Description("Where facts and index entries live").
				Options(
					huh.NewOption("SQLite (embedded, zero setup)", config.BackendSQLite),
					huh.NewOption("Dolt (embedded or MySQL-compatible server)", config.BackendDolt),
				).
				Value(&backend),

			huh.NewInput().
				Title("Data directory").
				Description("Holds the database, lock file, and working state").
				Placeholder(".tally").
				Value(&dataDir).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),
		),

		huh.NewGroup(
			huh.NewConfirm().
				Title("Embed fact data in index entries?").
				Description("Faster counter scans, larger index rows").
				Value(&embed),

			huh.NewInput().
				Title("Query workers").
				Description("Concurrent counter query workers (one connection each)").
				Placeholder("8").
				Value(&workers).
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n < 1 {
						return fmt.Errorf("workers must be a positive integer")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("INFO (default)", "INFO"),
					huh.NewOption("DEBUG", "DEBUG"),
					huh.NewOption("WARN", "WARN"),
					huh.NewOption("ERROR", "ERROR"),
				).
				Value(&logLevel),
		),
	)

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Fprintln(os.Stderr, "Configuration cancelled.")
			return nil
		}
		return fmt.Errorf("form error: %w", err)
	}

	cfg.WebPort, _ = strconv.Atoi(strings.TrimSpace(port))
	cfg.DBBackend = backend
	cfg.DataDir = strings.TrimSpace(dataDir)
	cfg.LogLevel = logLevel
	cfg.EmbedFactData = embed
	cfg.QueryWorkers, _ = strconv.Atoi(strings.TrimSpace(workers))

	force, _ := cmd.Flags().GetBool("force")
	if err := config.WriteServerFile(cfgFile, cfg, force); err != nil {
		return err
	}
	fmt.Printf("Wrote %s. Start the server with: tally serve --config %s\n", cfgFile, cfgFile)
	return nil
}
