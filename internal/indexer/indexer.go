// Package indexer projects facts into searchable index entries per the
// index configuration.
package indexer

import (
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/types"
)

// Indexer derives index entries from facts. Construction validates the
// index configuration; Index itself never fails, it skips entries whose
// source fields are absent or malformed.
type Indexer struct {
	defs  []config.IndexDefinition
	embed bool
}

// New validates the index configuration and builds an indexer.
// embedFactData copies the fact payload into every entry, trading
// storage for join-free counter scans.
func New(cfg *config.IndexConfig, embedFactData bool) (*Indexer, error) {
	if cfg == nil || len(cfg.Indexes) == 0 {
		return nil, types.NewConfigError("index config: no indexes defined")
	}
	seenPair := make(map[string]bool)
	seenType := make(map[int]bool)
	for i, def := range cfg.Indexes {
		if def.FieldName == "" {
			return nil, types.NewConfigError("index %d: fieldName is required", i)
		}
		if def.DateName == "" {
			return nil, types.NewConfigError("index %d (%s): dateName is required", i, def.FieldName)
		}
		if def.IndexTypeName == "" {
			return nil, types.NewConfigError("index %d (%s): indexTypeName is required", i, def.FieldName)
		}
		if def.IndexType <= 0 {
			return nil, types.NewConfigError("index %q: indexType must be a positive integer", def.IndexTypeName)
		}
		if def.IndexValueMode != config.IndexValueHashed && def.IndexValueMode != config.IndexValueTransparent {
			return nil, types.NewConfigError("index %q: indexValueMode must be 1 (hashed) or 2 (transparent)", def.IndexTypeName)
		}
		pair := def.FieldName + "\x00" + def.IndexTypeName
		if seenPair[pair] {
			return nil, types.NewConfigError("index config: duplicate (fieldName, indexTypeName) = (%s, %s)", def.FieldName, def.IndexTypeName)
		}
		seenPair[pair] = true
		if seenType[def.IndexType] {
			return nil, types.NewConfigError("index config: duplicate indexType %d", def.IndexType)
		}
		seenType[def.IndexType] = true
	}
	return &Indexer{defs: cfg.Indexes, embed: embedFactData}, nil
}

// Index produces one entry per definition whose field and date both
// resolve on the fact.
func (ix *Indexer) Index(fact *types.Fact) []types.IndexEntry {
	entries := make([]types.IndexEntry, 0, len(ix.defs))
	for _, def := range ix.defs {
		sv, ok := fieldString(fact.D, def.FieldName)
		if !ok {
			continue
		}
		dt, ok := dateMillis(fact.D, def.DateName)
		if !ok {
			continue
		}
		entry := types.IndexEntry{
			ID: types.EntryID{H: indexKey(def.IndexType, def.IndexValueMode, sv), F: fact.ID},
			IT: def.IndexType,
			V:  sv,
			T:  fact.T,
			DT: dt,
			C:  fact.C,
		}
		if ix.embed {
			entry.D = fact.D
		}
		entries = append(entries, entry)
	}
	return entries
}

// EmbedsFactData reports whether produced entries carry the payload.
func (ix *Indexer) EmbedsFactData() bool { return ix.embed }

// indexKey forms the index key for one (indexType, value) pair. Hashed
// mode makes the key opaque and fixed-length; transparent mode keeps it
// readable for diagnostics.
func indexKey(indexType, mode int, value string) string {
	plain := strconv.Itoa(indexType) + ":" + value
	if mode == config.IndexValueTransparent {
		return plain
	}
	sum := sha1.Sum([]byte(plain))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashValuesForSearch groups entry keys by indexType for the counter
// scan. indexTypes with no entries are absent from the map.
func HashValuesForSearch(entries []types.IndexEntry) map[int][]string {
	if len(entries) == 0 {
		return map[int][]string{}
	}
	out := make(map[int][]string)
	for _, e := range entries {
		out[e.IT] = append(out[e.IT], e.ID.H)
	}
	return out
}

func fieldString(d map[string]any, name string) (string, bool) {
	v, ok := lookup(d, name)
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		if s == "" {
			return "", false
		}
		return s, true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10), true
		}
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}

func dateMillis(d map[string]any, name string) (int64, bool) {
	v, ok := lookup(d, name)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case time.Time:
		return t.UnixMilli(), true
	}
	return 0, false
}

func lookup(d map[string]any, name string) (any, bool) {
	if v, ok := d[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	var cur any = d
	for _, seg := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
