package tally_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tallylabs/tally"
)

func writeEngineConfigs(t *testing.T, dir string) (msg, idx, ctr string) {
	t.Helper()
	msg = filepath.Join(dir, "messages.json")
	idx = filepath.Join(dir, "indexes.json")
	ctr = filepath.Join(dir, "counters.json")

	files := map[string]string{
		msg: `{
  "fields": [
    {"name": "orderId", "messageTypes": [7], "keyOrder": 1, "generator": {"type": "string", "length": 8}},
    {"name": "customerId", "messageTypes": [7], "generator": {"type": "string", "length": 8}},
    {"name": "amount", "messageTypes": [7], "generator": {"type": "integer", "min": 1, "max": 1000}},
    {"name": "orderDate", "messageTypes": [7], "generator": {"type": "date"}}
  ]
}`,
		idx: `{
  "indexes": [
    {"fieldName": "customerId", "dateName": "orderDate", "indexTypeName": "customer", "indexType": 1, "indexValueMode": 1}
  ]
}`,
		ctr: `{
  "counters": [
    {
      "name": "customerOrders",
      "indexTypeName": "customer",
      "attributes": {"count": {"$sum": 1}, "total": {"$sum": "$d.amount"}}
    }
  ]
}`,
	}
	for path, data := range files {
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return msg, idx, ctr
}

func openTestEngine(t *testing.T) *tally.Engine {
	t.Helper()
	dir := t.TempDir()
	msg, idx, ctr := writeEngineConfigs(t, dir)

	eng, err := tally.Open(context.Background(), tally.Options{
		Location:      filepath.Join(dir, "tally.db"),
		MessageConfig: msg,
		IndexConfig:   idx,
		CounterConfig: ctr,
		EmbedFactData: true,
		Workers:       2,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestOpen(t *testing.T) {
	eng := openTestEngine(t)
	if eng == nil {
		t.Fatal("expected non-nil engine")
	}
}

func TestOpenMissingConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := tally.Open(context.Background(), tally.Options{
		Location:      filepath.Join(dir, "tally.db"),
		MessageConfig: filepath.Join(dir, "nope.json"),
		IndexConfig:   filepath.Join(dir, "nope.json"),
		CounterConfig: filepath.Join(dir, "nope.json"),
	})
	if err == nil {
		t.Fatal("expected error for missing config files")
	}
}

func TestEngineIngest(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()

	first, err := eng.Ingest(ctx, 7, map[string]any{
		"orderId":    "o-1",
		"customerId": "c-9",
		"amount":     100,
		"orderDate":  1700000000000,
	})
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if first.FactID != "o-1" {
		t.Errorf("FactID = %q, want %q", first.FactID, "o-1")
	}
	values, ok := first.Counters["customerOrders"]
	if !ok {
		t.Fatalf("customerOrders missing from %v", first.Counters)
	}
	if got := values["count"]; got != float64(0) {
		t.Errorf("count before any prior facts = %v, want 0", got)
	}

	second, err := eng.Ingest(ctx, 7, map[string]any{
		"orderId":    "o-2",
		"customerId": "c-9",
		"amount":     250,
		"orderDate":  1700000100000,
	})
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	values = second.Counters["customerOrders"]
	if got := values["count"]; got != float64(1) {
		t.Errorf("count = %v, want 1", got)
	}
	if got := values["total"]; got != float64(100) {
		t.Errorf("total = %v, want 100", got)
	}
}

func TestEngineMetrics(t *testing.T) {
	eng := openTestEngine(t)

	if _, err := eng.Ingest(context.Background(), 7, map[string]any{
		"orderId":    "o-1",
		"customerId": "c-1",
		"amount":     10,
		"orderDate":  1700000000000,
	}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	snap := eng.Metrics()
	if len(snap.Operations) == 0 {
		t.Error("expected at least one recorded operation")
	}
}

func TestEngineRejectsUnknownType(t *testing.T) {
	eng := openTestEngine(t)

	_, err := eng.Ingest(context.Background(), 99, map[string]any{"orderId": "o-1"})
	if err == nil {
		t.Fatal("expected error for unconfigured message type")
	}
}
