package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tallylabs/tally/internal/timeparsing"
	"github.com/tallylabs/tally/internal/types"
)

var sendCmd = &cobra.Command{
	Use:   "send <message-type>",
	Short: "Build a message and post it to a running server",
	Long: `Send builds a JSON message from --field pairs and posts it to the
ingestion endpoint. Values are sent as strings; the server coerces them
to the configured field types.

Date fields accept compact offsets (-1d, +6h), absolute timestamps
(RFC3339, YYYY-MM-DD, epoch millis), and natural language:

  tally send 7 --field orderId=o-123 --field amount=250 \
      --date orderDate="last friday"`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("server", "localhost:8080", "tally server address")
	sendCmd.Flags().StringArray("field", nil, "field as name=value (repeatable)")
	sendCmd.Flags().StringArray("date", nil, "date field as name=expression (repeatable)")
	sendCmd.Flags().Bool("debug", false, "request per-stage debug detail")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	msgType, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("message type must be an integer, got %q", args[0])
	}

	fields := make(map[string]any)
	pairs, _ := cmd.Flags().GetStringArray("field")
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("field %q is not name=value", pair)
		}
		fields[name] = value
	}

	now := time.Now()
	dates, _ := cmd.Flags().GetStringArray("date")
	for _, pair := range dates {
		name, expr, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("date %q is not name=expression", pair)
		}
		at, err := timeparsing.ParseRelativeTime(expr, now)
		if err != nil {
			return fmt.Errorf("date %s: %w", name, err)
		}
		fields[name] = at.UnixMilli()
	}
	if len(fields) == 0 {
		return fmt.Errorf("at least one --field or --date is required")
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	serverAddr, _ := cmd.Flags().GetString("server")
	debug, _ := cmd.Flags().GetBool("debug")
	url := fmt.Sprintf("%s/api/v1/message/%d/json", baseURL(serverAddr), msgType)
	if debug {
		url += "?debug=true"
	}

	status, raw, err := doRequest(http.MethodPost, url, "application/json", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return serverError(status, raw)
	}
	return renderIngestResult(raw)
}

// renderIngestResult prints one ingestion response. With --json the raw
// server body is passed through untouched.
func renderIngestResult(raw []byte) error {
	if jsonOutput {
		fmt.Println(string(raw))
		return nil
	}

	var result types.IngestionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("malformed server response: %w", err)
	}

	ok := color.New(color.FgGreen).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	fmt.Printf("%s message %d fact %s %s\n",
		ok("✓"), result.MessageType, result.FactID,
		dim(fmt.Sprintf("(%dms total, %dms counters)",
			result.ProcessingTime.Total, result.ProcessingTime.Counters)))

	names := make([]string, 0, len(result.Counters))
	for name := range result.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s: %s\n", name, formatCounterValues(result.Counters[name]))
	}

	for _, note := range result.Metrics.Info {
		fmt.Printf("  %s %s\n", color.YellowString("⚠"), note)
	}
	if len(result.Metrics.FailedCounters) > 0 {
		fmt.Printf("  %s counters failed: %s\n",
			color.RedString("✗"), strings.Join(result.Metrics.FailedCounters, ", "))
	}
	if result.Debug != nil {
		fmt.Printf("  %s\n", dim(fmt.Sprintf("debug: %d index entries, %d queries",
			result.Debug.IndexEntries, result.Debug.QueryCount)))
	}
	return nil
}

func formatCounterValues(values types.CounterValues) string {
	parts := make([]string, 0, len(values))
	for k, v := range values {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, "  ")
}
