// Package factory creates storage backends from configuration.
package factory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tallylabs/tally/internal/storage"
)

// BackendFactory builds a Store for one backend type. location is the
// database location: a file path for sqlite, a directory or mysql://
// DSN for dolt.
type BackendFactory func(ctx context.Context, location string, opts Options) (storage.Store, error)

// backendRegistry holds registered backend factories.
var backendRegistry = make(map[string]BackendFactory)

// RegisterBackend registers a storage backend factory.
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

// Options configures how a backend is opened.
type Options struct {
	// Database names the logical database for server-mode backends.
	Database string

	// EmbedFactData mirrors the indexer's embed flag so scans know
	// whether index rows carry the fact payload or must join back to
	// the facts table.
	EmbedFactData bool

	// PoolSize caps open connections. Zero lets the backend choose.
	PoolSize int
}

// New creates the named backend. An empty name selects sqlite.
func New(ctx context.Context, backend, location string, opts Options) (storage.Store, error) {
	if backend == "" {
		backend = "sqlite"
	}
	if f, ok := backendRegistry[backend]; ok {
		return f(ctx, location, opts)
	}
	return nil, fmt.Errorf("unknown storage backend: %s (supported: %s)", backend, strings.Join(registered(), ", "))
}

func registered() []string {
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
