package sqlite

import (
	"fmt"
	"strings"
)

// Dialect renders condition paths against the candidate scan shape:
// index columns aliased s, and the fact payload JSON at Payload
// ("s.d" embedded, "fct.d" joined).
type Dialect struct {
	Payload string
}

func (d Dialect) FieldExpr(path []string) (string, bool) {
	if len(path) == 1 {
		switch path[0] {
		case "_id":
			return "s.f", true
		case "t":
			return "s.t", true
		case "c":
			return "s.c", true
		case "dt":
			return "s.dt", true
		case "d":
			return d.Payload, true
		}
		return "", false
	}
	if path[0] != "d" {
		return "", false
	}
	jp, ok := jsonPath(path[1:])
	if !ok {
		return "", false
	}
	return fmt.Sprintf("json_extract(%s, '%s')", d.Payload, jp), true
}

func (d Dialect) ArrayTest(path []string) (string, bool) {
	if len(path) < 2 || path[0] != "d" {
		return "", false
	}
	jp, ok := jsonPath(path[1:])
	if !ok {
		return "", false
	}
	return fmt.Sprintf("json_type(%s, '%s') = 'array'", d.Payload, jp), true
}

func (d Dialect) ExistsTest(path []string) (string, bool) {
	if len(path) == 1 {
		switch path[0] {
		case "_id", "t", "c", "dt", "d":
			return "1=1", true
		}
		return "", false
	}
	if path[0] != "d" {
		return "", false
	}
	jp, ok := jsonPath(path[1:])
	if !ok {
		return "", false
	}
	return fmt.Sprintf("json_type(%s, '%s') IS NOT NULL", d.Payload, jp), true
}

func (d Dialect) CastNumeric(expr string) string {
	return "CAST(" + expr + " AS NUMERIC)"
}

// jsonPath renders path segments as a SQLite JSON path. All-digit
// segments address array elements. Segments with quoting characters
// are rejected rather than escaped; those paths stay in-process.
func jsonPath(segs []string) (string, bool) {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range segs {
		if seg == "" || strings.ContainsAny(seg, "\"'\\`") {
			return "", false
		}
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString("." + seg)
	}
	return b.String(), true
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
