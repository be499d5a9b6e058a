package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tallylabs/tally/internal/types"
)

// Index value modes. Mode 1 hashes the value into an opaque key; mode 2
// keeps it readable.
const (
	IndexValueHashed      = 1
	IndexValueTransparent = 2
)

// IndexDefinition projects one fact field into the index.
type IndexDefinition struct {
	FieldName      string `json:"fieldName" toml:"fieldName"`
	DateName       string `json:"dateName" toml:"dateName"`
	IndexTypeName  string `json:"indexTypeName" toml:"indexTypeName"`
	IndexType      int    `json:"indexType" toml:"indexType"`
	IndexValueMode int    `json:"indexValueMode" toml:"indexValueMode"`
}

// IndexConfig is the parsed index configuration file. Semantic
// validation (uniqueness rules) happens when the indexer is built.
type IndexConfig struct {
	Indexes []IndexDefinition `json:"indexes" toml:"indexes"`
}

// LoadIndexConfig reads an index config file (JSON, or TOML by
// extension).
func LoadIndexConfig(path string) (*IndexConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 - controlled path from config
	if err != nil {
		return nil, types.NewConfigError("reading index config %s: %v", path, err)
	}

	var ic IndexConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &ic); err != nil {
			return nil, types.NewConfigError("parsing %s: %v", filepath.Base(path), err)
		}
	} else {
		if err := json.Unmarshal(data, &ic); err != nil {
			return nil, types.NewConfigError("parsing %s: %v", filepath.Base(path), err)
		}
	}
	if len(ic.Indexes) == 0 {
		return nil, types.NewConfigError("index config %s: no indexes defined", path)
	}
	return &ic, nil
}

// TypeByName resolves an indexTypeName to its numeric indexType.
func (ic *IndexConfig) TypeByName(name string) (int, bool) {
	for i := range ic.Indexes {
		if ic.Indexes[i].IndexTypeName == name {
			return ic.Indexes[i].IndexType, true
		}
	}
	return 0, false
}
