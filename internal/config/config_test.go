package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.WebPort)
	assert.Equal(t, BackendSQLite, cfg.DBBackend)
	assert.Equal(t, 8, cfg.QueryWorkers)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.True(t, cfg.EmbedFactData)
	assert.Empty(t, cfg.AllowedMessageTypes)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TALLY_WEB_PORT", "9191")
	t.Setenv("TALLY_DB_BACKEND", "dolt")
	t.Setenv("TALLY_QUERY_TIMEOUT", "2s")
	t.Setenv("TALLY_ALLOWED_MESSAGE_TYPES", "1, 2,7")
	t.Setenv("TALLY_EMBED_FACT_DATA", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.WebPort)
	assert.Equal(t, BackendDolt, cfg.DBBackend)
	assert.Equal(t, 2*time.Second, cfg.QueryTimeout)
	assert.Equal(t, []int{1, 2, 7}, cfg.AllowedMessageTypes)
	assert.False(t, cfg.EmbedFactData)
}

func TestLoadServerFileThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tally.yaml")
	yaml := "web-port: 7000\nlog-level: DEBUG\nquery-workers: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("TALLY_WEB_PORT", "7500")

	cfg, err := Load(path)
	require.NoError(t, err)

	// env beats file, file beats default
	assert.Equal(t, 7500, cfg.WebPort)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 3, cfg.QueryWorkers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.WebPort = -1
	cfg.DBBackend = "mongo"
	cfg.LogLevel = "LOUD"
	cfg.QueryWorkers = 0

	issues := cfg.Validate()
	assert.Len(t, issues, 4)
}

func TestTypeAllowed(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.TypeAllowed(42), "empty whitelist allows everything")

	cfg.AllowedMessageTypes = []int{1, 2}
	assert.True(t, cfg.TypeAllowed(2))
	assert.False(t, cfg.TypeAllowed(3))
}

func TestWriteServerFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tally.yaml")

	cfg := Default()
	cfg.WebPort = 9999
	cfg.DBBackend = BackendDolt
	require.NoError(t, WriteServerFile(path, cfg, false))

	// Refuses to overwrite without force.
	err := WriteServerFile(path, cfg, false)
	require.Error(t, err)
	require.NoError(t, WriteServerFile(path, cfg, true))

	got := Default()
	require.NoError(t, readServerFile(path, got))
	assert.Equal(t, 9999, got.WebPort)
	assert.Equal(t, BackendDolt, got.DBBackend)
}

func messageConfigJSON() string {
	return `{
  "fields": [
    {"name": "transactionId", "short": "tid", "messageTypes": [1], "keyOrder": 1,
     "generator": {"type": "string", "length": 12}},
    {"name": "cardNumber", "short": "f1", "messageTypes": [1],
     "generator": {"type": "string", "length": 16}},
    {"name": "amount", "short": "a", "messageTypes": [1],
     "generator": {"type": "integer", "min": 1, "max": 1000}},
    {"name": "eventDate", "short": "dt0", "messageTypes": [1],
     "generator": {"type": "date"}}
  ]
}`
}

func TestLoadMessageConfigJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.json")
	require.NoError(t, os.WriteFile(path, []byte(messageConfigJSON()), 0o644))

	mc, err := LoadMessageConfig(path)
	require.NoError(t, err)

	assert.True(t, mc.KnownType(1))
	assert.False(t, mc.KnownType(2))

	fields := mc.FieldsForType(1)
	require.Len(t, fields, 4)
	// Key candidate sorts first.
	assert.Equal(t, "transactionId", fields[0].Name)
	assert.Equal(t, "tid", fields[0].Dest())
	assert.Equal(t, "amount", fields[2].Name)
}

func TestLoadMessageConfigTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.toml")
	tomlBody := `
[[fields]]
name = "orderId"
messageTypes = [3]
keyOrder = 1
[fields.generator]
type = "string"
length = 10

[[fields]]
name = "status"
messageTypes = [3]
[fields.generator]
type = "enum"
values = ["ok", "fail"]
`
	require.NoError(t, os.WriteFile(path, []byte(tomlBody), 0o644))

	mc, err := LoadMessageConfig(path)
	require.NoError(t, err)
	assert.True(t, mc.KnownType(3))
	assert.Equal(t, "orderId", mc.FieldsForType(3)[0].Name)
}

func TestMessageConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		fields []FieldConfig
	}{
		{"no fields", nil},
		{"missing name", []FieldConfig{{MessageTypes: []int{1}, KeyOrder: 1, Generator: Generator{Type: GenString}}}},
		{"duplicate name", []FieldConfig{
			{Name: "a", MessageTypes: []int{1}, KeyOrder: 1, Generator: Generator{Type: GenString}},
			{Name: "a", MessageTypes: []int{1}, Generator: Generator{Type: GenString}},
		}},
		{"no message types", []FieldConfig{{Name: "a", KeyOrder: 1, Generator: Generator{Type: GenString}}}},
		{"bad generator", []FieldConfig{{Name: "a", MessageTypes: []int{1}, KeyOrder: 1, Generator: Generator{Type: "uuid"}}}},
		{"enum without values", []FieldConfig{{Name: "a", MessageTypes: []int{1}, KeyOrder: 1, Generator: Generator{Type: GenEnum}}}},
		{"type without key field", []FieldConfig{{Name: "a", MessageTypes: []int{1}, Generator: Generator{Type: GenString}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessageConfig(tc.fields)
			require.Error(t, err)
		})
	}
}

func TestLoadCounterConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counters.json")
	body := `{
  "counters": [
    {"name": "total", "indexTypeName": "cardIdx",
     "attributes": {"count": {"$sum": 1}, "sumA": {"$sum": "$d.a"}}},
    {"name": "recent", "indexTypeName": "cardIdx",
     "fromTimeMs": 120000, "toTimeMs": 30000,
     "maxEvaluatedRecords": 0,
     "attributes": {"count": {"$sum": 1}}}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cc, err := LoadCounterConfig(path)
	require.NoError(t, err)
	require.Len(t, cc.Counters, 2)

	total := cc.Counters[0]
	assert.Nil(t, total.MaxEvaluatedRecords, "absent cap stays nil")

	recent := cc.Counters[1]
	require.NotNil(t, recent.MaxEvaluatedRecords, "explicit zero cap is kept")
	assert.Equal(t, int64(0), *recent.MaxEvaluatedRecords)
	assert.Equal(t, int64(120000), recent.FromTimeMs)
}

func TestLoadCounterConfigRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"duplicate names", `{"counters":[
			{"name":"x","indexTypeName":"i","attributes":{"c":{"$sum":1}}},
			{"name":"x","indexTypeName":"i","attributes":{"c":{"$sum":1}}}]}`},
		{"missing index type", `{"counters":[{"name":"x","attributes":{"c":{"$sum":1}}}]}`},
		{"no attributes", `{"counters":[{"name":"x","indexTypeName":"i"}]}`},
		{"inverted window", `{"counters":[{"name":"x","indexTypeName":"i","fromTimeMs":1000,"toTimeMs":2000,"attributes":{"c":{"$sum":1}}}]}`},
	}

	dir := t.TempDir()
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, "c"+string(rune('0'+i))+".json")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o644))
			_, err := LoadCounterConfig(path)
			require.Error(t, err)
		})
	}
}

func TestLoadIndexConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "indexes.json")
	body := `{"indexes":[
	  {"fieldName":"f1","dateName":"dt0","indexTypeName":"cardIdx","indexType":1,"indexValueMode":1},
	  {"fieldName":"tid","dateName":"dt0","indexTypeName":"txIdx","indexType":2,"indexValueMode":2}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	ic, err := LoadIndexConfig(path)
	require.NoError(t, err)
	require.Len(t, ic.Indexes, 2)

	it, ok := ic.TypeByName("txIdx")
	require.True(t, ok)
	assert.Equal(t, 2, it)

	_, ok = ic.TypeByName("missing")
	assert.False(t, ok)
}
