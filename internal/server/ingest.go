package server

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tallylabs/tally/internal/types"
)

const maxBodyBytes = 1 << 20

// handleIngestJSON handles POST /api/v1/message/{t}/json. The body
// must be a single JSON object; arrays and scalars are rejected before
// any mapping happens.
func (s *Server) handleIngestJSON(w http.ResponseWriter, r *http.Request) {
	t, err := strconv.Atoi(r.PathValue("t"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "message type must be an integer, got "+r.PathValue("t"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	fields, err := decodeObject(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	res, err := s.ingest(r, t, fields, json.RawMessage(body), r.URL.Query().Get("debug") == "true")
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleIngestIris handles POST /api/v1/message/iris. The message type
// and fields come out of the XML document; the response is XML.
func (s *Server) handleIngestIris(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	t, fields, err := parseIris(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	// The retained sample must stay valid JSON, so the XML source is
	// wrapped as a JSON string.
	raw, _ := json.Marshal(string(body))
	res, err := s.ingest(r, t, fields, raw, false)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(irisResult(res))
}

func (s *Server) ingest(r *http.Request, t int, fields map[string]any, raw json.RawMessage, debug bool) (*types.IngestionResult, error) {
	msg := &types.Message{T: t, Fields: fields}
	return s.pipe.Ingest(r.Context(), msg, raw, debug)
}

// decodeObject accepts exactly one JSON object.
func decodeObject(body []byte) (map[string]any, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body, want a JSON object")
	}
	if trimmed[0] == '[' {
		return nil, fmt.Errorf("body is a JSON array, want a single object")
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	return fields, nil
}
