package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tallylabs/tally/internal/metrics"
	"github.com/tallylabs/tally/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show live server metrics",
	Long: `Stats fetches the /metrics snapshot from a running server and renders
it for the terminal. With --watch the view refreshes in place until
interrupted.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().String("server", "localhost:8080", "tally server address")
	statsCmd.Flags().Bool("watch", false, "refresh continuously")
	statsCmd.Flags().Duration("interval", 2*time.Second, "refresh interval for --watch")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	serverAddr, _ := cmd.Flags().GetString("server")
	base := baseURL(serverAddr)
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	if !watch {
		return statsOnce(base, false)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := statsOnce(base, true); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case <-ticker.C:
			// Keep watching through transient fetch errors.
			if err := statsOnce(base, true); err != nil {
				fmt.Println(ui.RenderWarn(err.Error()))
			}
		}
	}
}

func statsOnce(base string, clear bool) error {
	status, raw, err := doRequest(http.MethodGet, base+"/metrics", "", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return serverError(status, raw)
	}
	if jsonOutput {
		fmt.Println(string(raw))
		return nil
	}

	var snap metrics.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("malformed metrics snapshot: %w", err)
	}
	if clear {
		// Home the cursor and wipe the previous frame.
		fmt.Print("\033[H\033[2J")
	}
	renderStats(base, &snap)
	return nil
}

func renderStats(base string, snap *metrics.Snapshot) {
	uptime := time.Duration(snap.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Printf("%s  %s\n", ui.RenderCategory("tally"), ui.RenderMuted(
		fmt.Sprintf("%s  up %s  %dMB  %d goroutines",
			base, uptime, snap.MemoryAllocMB, snap.GoroutineCount)))
	fmt.Println(ui.RenderSeparator())

	if len(snap.Operations) == 0 {
		fmt.Println(ui.RenderMuted("no operations recorded yet"))
	} else {
		fmt.Printf("%-14s %9s %7s %6s %24s\n",
			"OPERATION", "TOTAL", "ERRORS", "SLOW", "P50 / P95 / P99 / MAX")
		for _, op := range snap.Operations {
			errs := fmt.Sprintf("%d", op.ErrorCount)
			if op.ErrorCount > 0 {
				errs = ui.RenderFail(errs)
			}
			slow := fmt.Sprintf("%d", op.SlowCount)
			if op.SlowCount > 0 {
				slow = ui.RenderWarn(slow)
			}
			fmt.Printf("%-14s %9d %7s %6s %24s\n",
				op.Operation, op.TotalCount, errs, slow,
				fmt.Sprintf("%.1f / %.1f / %.1f / %.1fms",
					op.Latency.P50MS, op.Latency.P95MS, op.Latency.P99MS, op.Latency.MaxMS))
		}
	}

	fmt.Println(ui.RenderSeparator())
	fmt.Printf("%s %s   %s %s   %s %s   %s %s   %s %s\n",
		ui.RenderMuted("timeouts"), countStyle(snap.QueryTimeouts),
		ui.RenderMuted("no-workers"), countStyle(snap.NoWorkers),
		ui.RenderMuted("late-drops"), countStyle(snap.LateResults),
		ui.RenderMuted("save-retries"), countStyle(snap.SaveRetries),
		ui.RenderMuted("counter-failures"), countStyle(snap.CounterFailures))

	if len(snap.RecentSlow) > 0 {
		fmt.Println(ui.RenderSeparator())
		fmt.Printf("%s (threshold %.0fms, %d total)\n",
			ui.RenderCategory("recent slow"), snap.SlowThresholdMS, snap.TotalSlow)
		for _, rec := range snap.RecentSlow {
			fmt.Printf("  %s %-14s %8.1fms  %s\n",
				ui.RenderWarn(ui.IconWarn), rec.Operation, rec.LatencyMS,
				ui.RenderMuted(rec.Timestamp.Format(time.TimeOnly)))
		}
	}
}

// countStyle renders a degradation counter: muted when zero, warning
// otherwise.
func countStyle(n int64) string {
	s := fmt.Sprintf("%d", n)
	if n > 0 {
		return ui.RenderWarn(s)
	}
	return s
}
