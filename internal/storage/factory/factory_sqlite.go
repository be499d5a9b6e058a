package factory

import (
	"context"

	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/storage/sqlite"
)

func init() {
	RegisterBackend(config.BackendSQLite, func(ctx context.Context, location string, opts Options) (storage.Store, error) {
		return sqlite.New(ctx, location, sqlite.Options{
			EmbedFactData: opts.EmbedFactData,
			PoolSize:      opts.PoolSize,
		})
	})
}
