package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

var exampleCmd = &cobra.Command{
	Use:   "example <message-type>",
	Short: "Fetch a synthetic example message from the server",
	Long: `Example asks the server to generate a message matching the configured
fields of the given type. Useful for inspecting the expected wire shape
or, with --send, for smoke-testing the full ingest path.`,
	Args: cobra.ExactArgs(1),
	RunE: runExample,
}

func init() {
	exampleCmd.Flags().String("server", "localhost:8080", "tally server address")
	exampleCmd.Flags().String("format", "json", "message format: json or iris")
	exampleCmd.Flags().Bool("send", false, "post the generated message back to the server")
	rootCmd.AddCommand(exampleCmd)
}

func runExample(cmd *cobra.Command, args []string) error {
	msgType, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("message type must be an integer, got %q", args[0])
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "json" && format != "iris" {
		return fmt.Errorf("format must be json or iris, got %q", format)
	}
	serverAddr, _ := cmd.Flags().GetString("server")
	base := baseURL(serverAddr)

	status, raw, err := doRequest(http.MethodGet,
		fmt.Sprintf("%s/api/v1/message/%d/%s", base, msgType, format), "", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return serverError(status, raw)
	}

	send, _ := cmd.Flags().GetBool("send")
	if !send {
		printExample(format, raw)
		return nil
	}

	var ingestURL, contentType string
	if format == "iris" {
		ingestURL = base + "/api/v1/message/iris"
		contentType = "application/xml"
	} else {
		ingestURL = fmt.Sprintf("%s/api/v1/message/%d/json", base, msgType)
		contentType = "application/json"
	}
	status, resp, err := doRequest(http.MethodPost, ingestURL, contentType, raw)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return serverError(status, resp)
	}
	if format == "iris" {
		// IRIS answers in XML; print it as-is.
		fmt.Println(string(resp))
		return nil
	}
	return renderIngestResult(resp)
}

func printExample(format string, raw []byte) {
	if format == "json" && !jsonOutput {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err == nil {
			fmt.Println(buf.String())
			return
		}
	}
	fmt.Println(string(raw))
}
