package types

// CounterValues is one counter's output attribute map, e.g.
// {"count": 3, "sumA": 600}.
type CounterValues map[string]any

// ProcessingTime breaks down where one request spent its time, in
// milliseconds.
type ProcessingTime struct {
	Total      int64 `json:"total"`
	Counters   int64 `json:"counters"`
	SaveFact   int64 `json:"saveFact"`
	SaveIndex  int64 `json:"saveIndex"`
	WorkerWait int64 `json:"workerWait"`
	QueryTime  int64 `json:"queryTime"`
}

// IndexSaveSummary reports the outcome of one bulk index-entry save.
type IndexSaveSummary struct {
	Saved   int `json:"saved"`
	Ignored int `json:"ignored"`
	Failed  int `json:"failed"`
}

// ResultMetrics carries the per-request degradation notes the caller
// may act on. Timeouts and worker exhaustion never become user-visible
// errors; they land here.
type ResultMetrics struct {
	Info           []string `json:"info,omitempty"`
	FailedCounters []string `json:"failedCounters,omitempty"`
}

// DebugInfo is attached to responses when debug output is requested and
// to retained log samples.
type DebugInfo struct {
	HashValues   map[int][]string `json:"hashValues,omitempty"`
	IndexEntries int              `json:"indexEntries,omitempty"`
	QueryCount   int              `json:"queryCount,omitempty"`
}

// IngestionResult is the synchronous outcome of one ingested message.
type IngestionResult struct {
	MessageType    int                      `json:"messageType"`
	FactID         string                   `json:"factId"`
	Fact           *Fact                    `json:"-"`
	Counters       map[string]CounterValues `json:"counters"`
	ProcessingTime ProcessingTime           `json:"processingTime"`
	SaveFact       string                   `json:"saveFact,omitempty"`
	SaveIndex      *IndexSaveSummary        `json:"saveIndex,omitempty"`
	Metrics        ResultMetrics            `json:"metrics"`
	Debug          *DebugInfo               `json:"debug,omitempty"`
}
