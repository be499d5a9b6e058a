package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tallylabs/tally/internal/types"
)

// Generator types accepted in field configs. The generator doubles as
// the field's coercion schema at ingest time and as the synthesis rule
// for example messages.
const (
	GenInteger = "integer"
	GenDate    = "date"
	GenString  = "string"
	GenEnum    = "enum"
)

// Generator describes how a field's values look.
type Generator struct {
	Type   string   `json:"type" toml:"type"`
	Min    int64    `json:"min,omitempty" toml:"min"`
	Max    int64    `json:"max,omitempty" toml:"max"`
	Length int      `json:"length,omitempty" toml:"length"`
	Values []string `json:"values,omitempty" toml:"values"`
	// PastMs bounds generated dates to [now-PastMs, now].
	PastMs int64 `json:"pastMs,omitempty" toml:"pastMs"`
}

// FieldConfig maps one message field into the fact payload.
type FieldConfig struct {
	Name string `json:"name" toml:"name"`
	// Short, when set, is the payload key the value lands under.
	Short        string    `json:"short,omitempty" toml:"short"`
	MessageTypes []int     `json:"messageTypes" toml:"messageTypes"`
	KeyOrder     int       `json:"keyOrder,omitempty" toml:"keyOrder"`
	Generator    Generator `json:"generator" toml:"generator"`
}

// Dest returns the payload key this field writes to.
func (f *FieldConfig) Dest() string {
	if f.Short != "" {
		return f.Short
	}
	return f.Name
}

// AppliesTo reports whether this field participates in message type t.
func (f *FieldConfig) AppliesTo(t int) bool {
	for _, mt := range f.MessageTypes {
		if mt == t {
			return true
		}
	}
	return false
}

// MessageConfig is the parsed message-field configuration file.
type MessageConfig struct {
	Fields []FieldConfig `json:"fields" toml:"fields"`

	byType map[int][]*FieldConfig
}

// LoadMessageConfig reads and validates a message config file. JSON is
// canonical; a .toml extension switches the decoder.
func LoadMessageConfig(path string) (*MessageConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 - controlled path from config
	if err != nil {
		return nil, types.NewConfigError("reading message config %s: %v", path, err)
	}

	var mc MessageConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &mc); err != nil {
			return nil, types.NewConfigError("parsing %s: %v", filepath.Base(path), err)
		}
	} else {
		if err := json.Unmarshal(data, &mc); err != nil {
			return nil, types.NewConfigError("parsing %s: %v", filepath.Base(path), err)
		}
	}

	if err := mc.validate(); err != nil {
		return nil, err
	}
	mc.buildIndex()
	return &mc, nil
}

// ParseMessageConfig validates an already-decoded config. Used by tests
// and by callers that embed the config.
func ParseMessageConfig(fields []FieldConfig) (*MessageConfig, error) {
	mc := &MessageConfig{Fields: fields}
	if err := mc.validate(); err != nil {
		return nil, err
	}
	mc.buildIndex()
	return mc, nil
}

func (mc *MessageConfig) validate() error {
	if len(mc.Fields) == 0 {
		return types.NewConfigError("message config: no fields defined")
	}

	keyCandidates := make(map[int]bool)
	seen := make(map[string]bool)
	for i := range mc.Fields {
		f := &mc.Fields[i]
		if f.Name == "" {
			return types.NewConfigError("message config: field %d has no name", i)
		}
		if seen[f.Name] {
			return types.NewConfigError("message config: duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if len(f.MessageTypes) == 0 {
			return types.NewConfigError("message config: field %q lists no message types", f.Name)
		}
		switch f.Generator.Type {
		case GenInteger, GenDate, GenString:
		case GenEnum:
			if len(f.Generator.Values) == 0 {
				return types.NewConfigError("message config: enum field %q has no values", f.Name)
			}
		default:
			return types.NewConfigError("message config: field %q has unknown generator type %q", f.Name, f.Generator.Type)
		}
		if f.KeyOrder > 0 {
			for _, t := range f.MessageTypes {
				keyCandidates[t] = true
			}
		}
	}

	for _, t := range mc.knownTypes() {
		if !keyCandidates[t] {
			return types.NewConfigError("message config: message type %d has no key field (keyOrder)", t)
		}
	}
	return nil
}

func (mc *MessageConfig) buildIndex() {
	mc.byType = make(map[int][]*FieldConfig)
	for i := range mc.Fields {
		f := &mc.Fields[i]
		for _, t := range f.MessageTypes {
			mc.byType[t] = append(mc.byType[t], f)
		}
	}
	// Key candidates resolve lowest keyOrder first.
	for t := range mc.byType {
		fields := mc.byType[t]
		sort.SliceStable(fields, func(i, j int) bool {
			oi, oj := fields[i].KeyOrder, fields[j].KeyOrder
			if oi == 0 {
				oi = int(^uint(0) >> 1)
			}
			if oj == 0 {
				oj = int(^uint(0) >> 1)
			}
			return oi < oj
		})
	}
}

// FieldsForType returns the fields participating in message type t,
// key candidates first (by ascending keyOrder).
func (mc *MessageConfig) FieldsForType(t int) []*FieldConfig {
	return mc.byType[t]
}

// KnownType reports whether any field is configured for type t.
func (mc *MessageConfig) KnownType(t int) bool {
	_, ok := mc.byType[t]
	return ok
}

func (mc *MessageConfig) knownTypes() []int {
	set := make(map[int]bool)
	for i := range mc.Fields {
		for _, t := range mc.Fields[i].MessageTypes {
			set[t] = true
		}
	}
	out := make([]int, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

// KnownTypes lists every configured message type in ascending order.
func (mc *MessageConfig) KnownTypes() []int { return mc.knownTypes() }

// String summarizes the config for logs.
func (mc *MessageConfig) String() string {
	return fmt.Sprintf("message config: %d fields, %d types", len(mc.Fields), len(mc.knownTypes()))
}
