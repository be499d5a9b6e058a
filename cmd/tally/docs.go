package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tallylabs/tally/internal/ui"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Show the configuration reference",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(ui.RenderMarkdown(configReference))
	},
}

func init() {
	rootCmd.AddCommand(docsCmd)
}

const configReference = `
# tally configuration reference

Configuration resolves in three layers. Later layers win:
defaults, then the YAML server file (--config, default tally.yaml),
then TALLY_* environment variables.

## Server file

    web-port: 8080
    data-dir: .tally
    db-backend: sqlite          # sqlite | dolt
    db: ""                      # path or DSN; empty = default under data-dir
    db-name: tally              # dolt server-mode database name
    message-config: tally.messages.json
    index-config: tally.indexes.json
    counter-config: tally.counters.json
    embed-fact-data: true
    log-save-frequency: 1000    # keep every Nth ingest sample; 0 disables
    allowed-message-types: []   # empty = all configured types
    allowed-counters: []        # empty = all configured counters
    log-level: INFO
    fact-target-size: 0         # pad generated examples to this byte size
    query-workers: 8
    query-timeout: 5s
    worker-acquire-timeout: 500ms
    query-concurrency: 16
    depth-limit: 0              # max rows per counter scan; 0 = unbounded
    depth-from-ms: 0            # skip entries more than this many ms old; 0 = unbounded

## Environment variables

Every server file key has an environment twin: uppercase, dashes to
underscores, TALLY_ prefix. TALLY_WEB_PORT overrides web-port,
TALLY_DB_BACKEND overrides db-backend, and so on.

Telemetry is environment-only:

    TALLY_OTEL=true                        enable OpenTelemetry
    TALLY_OTEL_STDOUT=true                 mirror metrics to stdout
    OTEL_EXPORTER_OTLP_ENDPOINT=host:4318  OTLP/HTTP metrics target

## Engine config files

JSON is canonical; files ending in .toml are parsed as TOML.

Message fields (tally.messages.json) declare which fields each message
type accepts and how synthetic examples are generated:

    {
      "fields": [
        {
          "name": "orderId",
          "messageTypes": [7],
          "keyOrder": 1,
          "generator": {"type": "string", "length": 8}
        },
        {
          "name": "orderDate",
          "messageTypes": [7],
          "generator": {"type": "date"}
        }
      ]
    }

Generator types: string, integer (min/max), enum (values), date
(pastMs). The generator doubles as the coercion schema at ingest time.
Fields with keyOrder form the fact identity; facts sharing an identity
overwrite each other. A field with a short key lands in the payload
under that abbreviated name.

Index definitions (tally.indexes.json) name the fields whose values
become index entries. indexValueMode 1 stores a hash of the value,
2 stores it verbatim:

    {
      "indexes": [
        {
          "fieldName": "customerId",
          "dateName": "orderDate",
          "indexTypeName": "customer",
          "indexType": 1,
          "indexValueMode": 1
        }
      ]
    }

Counter definitions (tally.counters.json) bind filter conditions and
aggregation attributes to an index:

    {
      "counters": [
        {
          "name": "customerOrders",
          "indexTypeName": "customer",
          "computationConditions": {"d.status": "paid"},
          "attributes": {
            "count": {"$sum": 1},
            "total": {"$sum": "$d.amount"}
          }
        }
      ]
    }

computationConditions filter which relevant facts a counter reads;
evaluationConditions decide whether the counter runs at all for the
incoming message. Both use the query operators $eq, $ne, $gt, $gte,
$lt, $lte, $in, $nin, $all, $exists, $size, $type, $mod, $regex,
$not, $and, $or, $expr on payload fields addressed as d.field.
Attribute expressions aggregate with $sum, $avg, $min, $max over a
constant or a $d.field reference. fromTimeMs/toTimeMs and
maxEvaluatedRecords/maxMatchingRecords bound a counter's scan window.

## HTTP endpoints

    POST /api/v1/message/{type}/json    ingest a JSON message
    POST /api/v1/message/iris           ingest an IRIS XML document
    GET  /api/v1/message/{type}/{fmt}   synthetic example (json | iris)
    GET  /health                        liveness
    GET  /readyz                        readiness (storage ping)
    GET  /metrics                       engine metrics snapshot
`
