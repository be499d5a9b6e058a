package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpClient is shared by the client-side subcommands.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// doRequest issues one request against a tally server and returns the
// status code and response body.
func doRequest(method, url, contentType string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("cannot reach tally server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// serverError turns a non-200 API response into a readable error. The
// server answers errors as JSON {success, error, message} even on the
// XML endpoints.
func serverError(status int, raw []byte) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("server rejected request (%s): %s", apiErr.Error, apiErr.Message)
	}
	return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(raw)))
}

// baseURL normalizes the --server flag value.
func baseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	return s
}
