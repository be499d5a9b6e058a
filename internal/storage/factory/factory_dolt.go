package factory

import (
	"context"

	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/storage/dolt"
)

func init() {
	RegisterBackend(config.BackendDolt, func(ctx context.Context, location string, opts Options) (storage.Store, error) {
		cfg, err := dolt.ParseLocation(location, opts.Database)
		if err != nil {
			return nil, err
		}
		cfg.EmbedFactData = opts.EmbedFactData
		cfg.PoolSize = opts.PoolSize
		return dolt.New(ctx, cfg)
	})
}
