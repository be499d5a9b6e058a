package server

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/types"
)

// handleExample handles GET /api/v1/message/{t}/{format}: a synthetic
// message of the given type, shaped by each field's generator.
func (s *Server) handleExample(w http.ResponseWriter, r *http.Request) {
	t, err := strconv.Atoi(r.PathValue("t"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "message type must be an integer, got "+r.PathValue("t"))
		return
	}
	format := r.PathValue("format")
	if format != "json" && format != "iris" {
		s.writeError(w, http.StatusBadRequest, "validation", "format must be json or iris, got "+format)
		return
	}

	fields, err := s.exampleFields(t)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if format == "json" {
		writeJSON(w, http.StatusOK, fields)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(irisExample(t, fields))
}

// exampleFields synthesizes one value per configured field of type t,
// then pads the document up to the configured target size.
func (s *Server) exampleFields(t int) (map[string]any, error) {
	fcs := s.messages.FieldsForType(t)
	if len(fcs) == 0 {
		return nil, types.NewValidationError("unknown message type %d", t)
	}
	fields := make(map[string]any, len(fcs)+1)
	for _, fc := range fcs {
		fields[fc.Name] = generateValue(fc.Generator)
	}
	s.padToTarget(fields)
	return fields, nil
}

func generateValue(g config.Generator) any {
	switch g.Type {
	case config.GenInteger:
		lo, hi := g.Min, g.Max
		if hi <= lo {
			hi = lo + 1000
		}
		return lo + rand.Int63n(hi-lo+1)
	case config.GenDate:
		past := g.PastMs
		if past <= 0 {
			past = 24 * time.Hour.Milliseconds()
		}
		return time.Now().UnixMilli() - rand.Int63n(past)
	case config.GenEnum:
		return g.Values[rand.Intn(len(g.Values))]
	default:
		n := g.Length
		if n <= 0 {
			n = 8
		}
		return randString(n)
	}
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// padToTarget grows the document to roughly the configured byte size
// with a filler field, so generated load resembles production facts.
func (s *Server) padToTarget(fields map[string]any) {
	if s.targetSize <= 0 {
		return
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return
	}
	need := s.targetSize - len(data) - len(`,"padding":""`)
	if need > 0 {
		fields["padding"] = randString(need)
	}
}

// irisExample renders the generated fields as an IRIS document that
// the iris ingest endpoint accepts back unchanged.
func irisExample(t int, fields map[string]any) []byte {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, `<Message MessageTypeId="%d">`, t)
	for _, name := range names {
		buf.WriteString("<" + name + ">")
		_ = xml.EscapeText(&buf, []byte(formatValue(fields[name])))
		buf.WriteString("</" + name + ">")
	}
	buf.WriteString("</Message>")
	return buf.Bytes()
}
