//go:build cgo

package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	embedded "github.com/dolthub/driver"
)

// openEmbedded opens the dolt database directory in-process. The
// returned store's closeConnector must run on Close to release the
// engine's filesystem locks.
func openEmbedded(ctx context.Context, cfg *Config) (*Store, error) {
	absPath, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("dolt: resolving %s: %w", cfg.Dir, err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("dolt: creating %s: %w", absPath, err)
	}

	// First unit of work on its own connector: ensure the database
	// exists before a DSN selects it.
	initDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s",
		absPath, cfg.CommitterName, cfg.CommitterEmail)
	if err := withConnector(initDSN, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database))
		return err
	}); err != nil {
		return nil, fmt.Errorf("dolt: creating database %s: %w", cfg.Database, err)
	}

	dsn := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s&database=%s",
		absPath, cfg.CommitterName, cfg.CommitterEmail, cfg.Database)
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("dolt: parsing DSN: %w", err)
	}
	openCfg.BackOff = newEmbeddedOpenBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return nil, fmt.Errorf("dolt: opening %s: %w", absPath, err)
	}
	db := sql.OpenDB(connector)

	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = connector.Close()
		return nil, fmt.Errorf("dolt: connecting to %s: %w", absPath, err)
	}
	return &Store{db: db, cfg: cfg, closeConnector: connector.Close}, nil
}

func withConnector(dsn string, fn func(*sql.DB) error) error {
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return err
	}
	openCfg.BackOff = newEmbeddedOpenBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector)

	ferr := fn(db)
	if cerr := db.Close(); ferr == nil {
		ferr = cerr
	}
	if cerr := connector.Close(); ferr == nil {
		ferr = cerr
	}
	return ferr
}

// newEmbeddedOpenBackoff retries embedded opens that race another
// process releasing the directory lock.
func newEmbeddedOpenBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	return bo
}
