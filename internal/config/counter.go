package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tallylabs/tally/internal/types"
)

// CounterDefinition configures one named aggregate. Conditions and
// attribute expressions stay raw here; the counters package compiles
// them at startup.
//
// Window sides and row caps distinguish absent from explicit zero:
// a nil cap means no cap, an explicit 0 admits zero rows.
type CounterDefinition struct {
	Name          string `json:"name" toml:"name"`
	IndexTypeName string `json:"indexTypeName" toml:"indexTypeName"`

	ComputationConditions map[string]any `json:"computationConditions,omitempty" toml:"computationConditions"`
	EvaluationConditions  map[string]any `json:"evaluationConditions,omitempty" toml:"evaluationConditions"`

	// Attributes maps output attribute name to an aggregation
	// expression, e.g. {"count": {"$sum": 1}, "sumA": {"$sum": "$d.a"}}.
	Attributes map[string]map[string]any `json:"attributes" toml:"attributes"`

	FromTimeMs int64 `json:"fromTimeMs,omitempty" toml:"fromTimeMs"`
	ToTimeMs   int64 `json:"toTimeMs,omitempty" toml:"toTimeMs"`

	MaxEvaluatedRecords *int64 `json:"maxEvaluatedRecords,omitempty" toml:"maxEvaluatedRecords"`
	MaxMatchingRecords  *int64 `json:"maxMatchingRecords,omitempty" toml:"maxMatchingRecords"`
}

// CounterConfig is the parsed counter configuration file.
type CounterConfig struct {
	Counters []CounterDefinition `json:"counters" toml:"counters"`
}

// LoadCounterConfig reads a counter config file (JSON, or TOML by
// extension) and applies file-level checks. Condition and attribute
// compilation happens in the counters package.
func LoadCounterConfig(path string) (*CounterConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 - controlled path from config
	if err != nil {
		return nil, types.NewConfigError("reading counter config %s: %v", path, err)
	}

	var cc CounterConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cc); err != nil {
			return nil, types.NewConfigError("parsing %s: %v", filepath.Base(path), err)
		}
	} else {
		if err := json.Unmarshal(data, &cc); err != nil {
			return nil, types.NewConfigError("parsing %s: %v", filepath.Base(path), err)
		}
	}

	seen := make(map[string]bool)
	for i := range cc.Counters {
		c := &cc.Counters[i]
		if c.Name == "" {
			return nil, types.NewConfigError("counter config: counter %d has no name", i)
		}
		if seen[c.Name] {
			return nil, types.NewConfigError("counter config: duplicate counter %q", c.Name)
		}
		seen[c.Name] = true
		if c.IndexTypeName == "" {
			return nil, types.NewConfigError("counter %q: indexTypeName is required", c.Name)
		}
		if len(c.Attributes) == 0 {
			return nil, types.NewConfigError("counter %q: no attributes defined", c.Name)
		}
		if c.FromTimeMs < 0 || c.ToTimeMs < 0 {
			return nil, types.NewConfigError("counter %q: negative time window", c.Name)
		}
		if c.FromTimeMs > 0 && c.ToTimeMs > 0 && c.ToTimeMs >= c.FromTimeMs {
			return nil, types.NewConfigError("counter %q: toTimeMs %d must be below fromTimeMs %d", c.Name, c.ToTimeMs, c.FromTimeMs)
		}
		if c.MaxEvaluatedRecords != nil && *c.MaxEvaluatedRecords < 0 {
			return nil, types.NewConfigError("counter %q: negative maxEvaluatedRecords", c.Name)
		}
		if c.MaxMatchingRecords != nil && *c.MaxMatchingRecords < 0 {
			return nil, types.NewConfigError("counter %q: negative maxMatchingRecords", c.Name)
		}
	}
	return &cc, nil
}
