package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tallylabs/tally/internal/condition"
	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/counters"
	"github.com/tallylabs/tally/internal/dispatch"
	"github.com/tallylabs/tally/internal/indexer"
	"github.com/tallylabs/tally/internal/lockfile"
	"github.com/tallylabs/tally/internal/logging"
	"github.com/tallylabs/tally/internal/logsample"
	"github.com/tallylabs/tally/internal/mapper"
	"github.com/tallylabs/tally/internal/metrics"
	"github.com/tallylabs/tally/internal/pipeline"
	"github.com/tallylabs/tally/internal/server"
	"github.com/tallylabs/tally/internal/storage/factory"
	"github.com/tallylabs/tally/internal/telemetry"
	"github.com/tallylabs/tally/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion server",
	Long: `Serve starts the HTTP ingestion server. Messages are mapped, indexed,
stored, and counted according to the message, index, and counter
configuration files named in the server configuration.

The process holds an exclusive lock on the data directory; a second
serve against the same directory fails fast instead of corrupting the
store.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides web-port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.WebPort = port
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	condition.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "tally", version.Version); err != nil {
		log.Warn("telemetry init failed", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(sctx)
	}()

	lock, err := lockfile.Acquire(cfg.DataDir, databaseLocation(cfg), version.Version)
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return fmt.Errorf("%w; is another tally serving %s?", err, cfg.DataDir)
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	msgCfg, err := config.LoadMessageConfig(cfg.MessageConfigPath)
	if err != nil {
		return fmt.Errorf("load message config: %w", err)
	}
	idxCfg, err := config.LoadIndexConfig(cfg.IndexConfigPath)
	if err != nil {
		return fmt.Errorf("load index config: %w", err)
	}
	ctrCfg, err := config.LoadCounterConfig(cfg.CounterConfigPath)
	if err != nil {
		return fmt.Errorf("load counter config: %w", err)
	}

	store, err := factory.New(ctx, cfg.DBBackend, databaseLocation(cfg), factory.Options{
		Database:      cfg.DBName,
		EmbedFactData: cfg.EmbedFactData,
		// Workers each pin a connection; leave headroom for ingest writes.
		PoolSize: cfg.QueryWorkers + 4,
	})
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.DBBackend, err)
	}
	store = telemetry.WrapStore(store)
	defer func() { _ = store.Close() }()

	m := metrics.New()
	m.SetSlowCallback(func(op string, latency time.Duration, at time.Time) {
		log.Warn("slow operation",
			zap.String("operation", op),
			zap.Duration("latency", latency),
			zap.Time("at", at))
	})

	pool := dispatch.New(dispatch.Options{
		Workers:        cfg.QueryWorkers,
		QueryTimeout:   cfg.QueryTimeout,
		AcquireTimeout: cfg.WorkerAcquireTimeout,
	}, m, log)
	if err := pool.Start(ctx, store); err != nil {
		return fmt.Errorf("start query workers: %w", err)
	}
	defer pool.Close()

	producer, err := counters.NewProducer(ctrCfg.Counters, idxCfg, cfg.AllowedCounters, log)
	if err != nil {
		return fmt.Errorf("build counters: %w", err)
	}
	ix, err := indexer.New(idxCfg, cfg.EmbedFactData)
	if err != nil {
		return fmt.Errorf("build indexer: %w", err)
	}

	sampler := logsample.New(store, cfg.LogSaveFrequency, log)
	defer sampler.Flush()

	svc := counters.NewService(producer, store, pool, cfg.QueryConcurrency, m, log)
	svc.SetDepthBounds(cfg.DepthLimit, cfg.DepthFromMs)

	pipe := pipeline.New(
		mapper.New(msgCfg, cfg.AllowedMessageTypes),
		ix,
		store,
		svc,
		sampler,
		m,
		log,
	)

	if watcher := watchEngineConfigs(ctx, log, cfg.MessageConfigPath, cfg.IndexConfigPath, cfg.CounterConfigPath); watcher != nil {
		defer func() { _ = watcher.Close() }()
	}

	srv := server.NewServer(server.Config{
		Addr:           fmt.Sprintf(":%d", cfg.WebPort),
		Pipeline:       pipe,
		Store:          store,
		Metrics:        m,
		Messages:       msgCfg,
		FactTargetSize: cfg.FactTargetSize,
		Logger:         log,
	})

	log.Info("tally starting",
		zap.String("version", version.Full()),
		zap.Int("port", cfg.WebPort),
		zap.String("backend", cfg.DBBackend),
		zap.String("database", databaseLocation(cfg)),
		zap.Int("messageFields", len(msgCfg.Fields)),
		zap.Int("counters", len(ctrCfg.Counters)),
		zap.Int("queryWorkers", cfg.QueryWorkers))

	err = srv.Start(ctx)
	log.Info("tally stopped")
	return err
}

// databaseLocation resolves the backend location: the configured db
// value when set, otherwise a backend default under data-dir.
func databaseLocation(cfg *config.Config) string {
	if cfg.DB != "" {
		return cfg.DB
	}
	if cfg.DBBackend == config.BackendDolt {
		return filepath.Join(cfg.DataDir, "dolt")
	}
	return filepath.Join(cfg.DataDir, "tally.db")
}

// watchEngineConfigs warns when an engine config file changes on disk.
// Changes are never hot-reloaded; the operator restarts to apply them.
// Parent directories are watched so editor rename-and-replace saves are
// still seen.
func watchEngineConfigs(ctx context.Context, log *zap.Logger, paths ...string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watcher unavailable", zap.Error(err))
		return nil
	}

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	watched := 0
	for d := range dirs {
		if err := watcher.Add(d); err != nil {
			log.Debug("cannot watch config dir", zap.String("dir", d), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = watcher.Close()
		return nil
	}

	go func() {
		// Debounce so one editor save produces one warning.
		var debounce *time.Timer
		var fire <-chan time.Time
		changed := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				abs, err := filepath.Abs(ev.Name)
				if err != nil || !files[abs] {
					continue
				}
				changed[abs] = true
				if debounce == nil {
					debounce = time.NewTimer(500 * time.Millisecond)
					fire = debounce.C
				} else {
					debounce.Reset(500 * time.Millisecond)
				}
			case <-fire:
				for p := range changed {
					log.Warn("engine config changed on disk; restart to apply",
						zap.String("path", p))
				}
				changed = make(map[string]bool)
				debounce, fire = nil, nil
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debug("config watcher error", zap.Error(err))
			}
		}
	}()
	return watcher
}
