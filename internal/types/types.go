// Package types defines the core data structures for the tally ingestion engine.
package types

import (
	"encoding/json"
	"fmt"
)

// Fact is the canonical stored representation of one business event.
// ID comes from the message's designated key field; C is assigned by the
// server and is monotonic within a process. Re-submitting a fact with the
// same ID overwrites D only and leaves C unchanged.
type Fact struct {
	ID string         `json:"_id"`
	T  int            `json:"t"`
	C  int64          `json:"c"`
	D  map[string]any `json:"d"`
}

// Doc returns the fact as a condition-evaluation document. Counter
// conditions address fields as "d.<name>", "t", "c" or "_id".
func (f *Fact) Doc() map[string]any {
	return map[string]any{
		"_id": f.ID,
		"t":   f.T,
		"c":   f.C,
		"d":   f.D,
	}
}

// Clone returns a deep-enough copy for concurrent read use: the payload
// map is copied one level deep.
func (f *Fact) Clone() *Fact {
	d := make(map[string]any, len(f.D))
	for k, v := range f.D {
		d[k] = v
	}
	return &Fact{ID: f.ID, T: f.T, C: f.C, D: d}
}

// EntryID is the composite identifier of an index entry: H is the index
// key, F is the owning fact's ID. (H, F) is unique.
type EntryID struct {
	H string `json:"h"`
	F string `json:"f"`
}

func (id EntryID) String() string {
	return fmt.Sprintf("%s/%s", id.H, id.F)
}

// IndexEntry projects one fact field into the searchable index.
// D carries the fact payload only when the deployment embeds payloads
// into the index (single-table counter scans, no join).
type IndexEntry struct {
	ID EntryID        `json:"_id"`
	IT int            `json:"it"`
	V  string         `json:"v"`
	T  int            `json:"t"`
	DT int64          `json:"dt"`
	C  int64          `json:"c"`
	D  map[string]any `json:"d,omitempty"`
}

// Message is one inbound business message after boundary decoding.
// Fields holds the raw decoded body; T is the message-type discriminator
// taken from the request path (JSON) or the MessageTypeId element (XML).
type Message struct {
	T      int
	Fields map[string]any
}

// Field returns the named raw field and whether it was present.
func (m *Message) Field(name string) (any, bool) {
	v, ok := m.Fields[name]
	return v, ok
}

// MarshalJSON renders the message as its field map with "t" included,
// matching the wire form accepted by the JSON ingest endpoint.
func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["t"] = m.T
	return json.Marshal(out)
}
