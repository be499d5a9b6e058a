package dolt

// schemaStatements create the tally tables in MySQL dialect. MySQL has
// no CREATE INDEX IF NOT EXISTS, so secondary indexes are declared
// inline with the tables. Every statement is idempotent.
var schemaStatements = []string{`
CREATE TABLE IF NOT EXISTS facts (
	id VARCHAR(255) NOT NULL,
	t  INT NOT NULL,
	c  BIGINT NOT NULL,
	d  JSON NOT NULL,
	PRIMARY KEY (id),
	KEY idx_facts_c (c)
)`, `
CREATE TABLE IF NOT EXISTS fact_index (
	h  VARCHAR(255) NOT NULL,
	f  VARCHAR(255) NOT NULL,
	it INT NOT NULL,
	v  TEXT NOT NULL,
	t  INT NOT NULL,
	dt BIGINT NOT NULL,
	c  BIGINT NOT NULL,
	d  JSON,
	PRIMARY KEY (h, f),
	KEY idx_fact_index_h_dt (h, dt),
	KEY idx_fact_index_f (f),
	KEY idx_fact_index_c (c)
)`, `
CREATE TABLE IF NOT EXISTS ingest_log (
	id         VARCHAR(64) NOT NULL,
	process_id VARCHAR(64) NOT NULL,
	created_at BIGINT NOT NULL,
	message    JSON,
	fact       JSON,
	timings    JSON,
	metrics    JSON,
	debug      JSON,
	PRIMARY KEY (id),
	KEY idx_ingest_log_created (created_at)
)`}
