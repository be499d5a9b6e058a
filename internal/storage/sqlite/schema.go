package sqlite

// schema creates the three tally tables. Every statement is idempotent
// so it runs on each open.
//
// facts is the canonical store keyed by the business id. fact_index is
// the denormalized search index keyed by (h, f); d is populated only
// when the deployment embeds payloads. ingest_log holds the sampled
// worst-case ingestion reports.
const schema = `
CREATE TABLE IF NOT EXISTS facts (
	id TEXT PRIMARY KEY,
	t  INTEGER NOT NULL,
	c  INTEGER NOT NULL,
	d  TEXT NOT NULL DEFAULT '{}' CHECK (json_valid(d))
);

CREATE INDEX IF NOT EXISTS idx_facts_c ON facts(c);

CREATE TABLE IF NOT EXISTS fact_index (
	h  TEXT NOT NULL,
	f  TEXT NOT NULL,
	it INTEGER NOT NULL,
	v  TEXT NOT NULL,
	t  INTEGER NOT NULL,
	dt INTEGER NOT NULL,
	c  INTEGER NOT NULL,
	d  TEXT CHECK (d IS NULL OR json_valid(d)),
	PRIMARY KEY (h, f)
);

CREATE INDEX IF NOT EXISTS idx_fact_index_h_dt ON fact_index(h, dt);
CREATE INDEX IF NOT EXISTS idx_fact_index_f ON fact_index(f);
CREATE INDEX IF NOT EXISTS idx_fact_index_c ON fact_index(c);

CREATE TABLE IF NOT EXISTS ingest_log (
	id         TEXT PRIMARY KEY,
	process_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	message    TEXT,
	fact       TEXT,
	timings    TEXT,
	metrics    TEXT,
	debug      TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_log_created ON ingest_log(created_at);
`
