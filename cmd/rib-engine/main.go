package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/route-beacon/rib-engine/internal/config"
	"github.com/route-beacon/rib-engine/internal/db"
	ribhttp "github.com/route-beacon/rib-engine/internal/http"
	"github.com/route-beacon/rib-engine/internal/kafka"
	"github.com/route-beacon/rib-engine/internal/maintenance"
	"github.com/route-beacon/rib-engine/internal/metrics"
	"github.com/route-beacon/rib-engine/internal/registry"
	"github.com/route-beacon/rib-engine/internal/rib"
	"github.com/route-beacon/rib-engine/internal/sink"
	"github.com/route-beacon/rib-engine/internal/snapshot"
	"github.com/route-beacon/rib-engine/internal/source"
	"github.com/route-beacon/rib-engine/internal/store"
	"github.com/route-beacon/rib-engine/migrations"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "populate":
		runPopulate()
	case "snapshot":
		runSnapshot()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rib-engine <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Consume BMP updates and maintain the RIB")
	fmt.Println("  populate      Load the RIB from the store and report its size")
	fmt.Println("  snapshot      Load the RIB from the store and export it")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --out <path>      Snapshot destination (snapshot only)")
}

type flags struct {
	configPath string
	logLevel   string
	outPath    string
}

func parseFlags(args []string) flags {
	var f flags
	for i := 0; i < len(args); i++ {
		if i+1 >= len(args) {
			break
		}
		switch args[i] {
		case "--config":
			f.configPath = args[i+1]
			i++
		case "--log-level":
			f.logLevel = args[i+1]
			i++
		case "--out":
			f.outPath = args[i+1]
			i++
		}
	}
	return f
}

func loadConfig(f flags) (*config.Config, *zap.Logger) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if f.logLevel != "" {
		cfg.Service.LogLevel = f.logLevel
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// core is the in-memory RIB and its persistent store.
type core struct {
	log      *store.Log
	registry *registry.Registry
	engine   *rib.Engine
}

// openCore connects the store, builds the engine and restores it from
// the store. Store consumers are not started.
func openCore(ctx context.Context, cfg *config.Config, logger *zap.Logger) *core {
	caches, err := rib.NewCaches(rib.CacheConfig{
		PathFilterCapacity:    cfg.Cache.PathFilterCapacity,
		RoutingFilterCapacity: cfg.Cache.RoutingFilterCapacity,
		FilterFPRate:          cfg.Cache.FilterFPRate,
		PathCacheSize:         cfg.Cache.PathCacheSize,
		RouteCacheSize:        cfg.Cache.RouteCacheSize,
	})
	if err != nil {
		logger.Fatal("failed to build caches", zap.Error(err))
	}

	log, err := store.New(ctx, store.Config{
		Addrs:         cfg.Redis.Addrs,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		DialTimeout:   time.Duration(cfg.Redis.DialTimeoutMs) * time.Millisecond,
		QueueCapacity: cfg.Engine.ShardQueueCapacity,
		BatchSize:     cfg.Engine.BatchSize,
		FlushInterval: time.Duration(cfg.Engine.FlushIntervalMs) * time.Millisecond,
		Saving:        cfg.Engine.Saving,
	}, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to connect to store", zap.Error(err))
	}

	reg := registry.New(log)
	engine := rib.NewEngine(caches, log, log, reg, rib.Options{
		HistoryMaxLen:    cfg.Engine.HistoryMaxLen,
		HistoryTrimEvery: cfg.Engine.HistoryTrimEvery,
	}, logger.Named("rib"))

	if _, err := log.Populate(ctx, engine, reg); err != nil {
		logger.Fatal("populate failed", zap.Error(err))
	}
	metrics.TriePrefixes.Set(float64(engine.Trie.Count()))
	return &core{log: log, registry: reg, engine: engine}
}

func runServe() {
	cfg, logger := loadConfig(parseFlags(os.Args[2:]))
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting rib-engine",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Int("store_shards", len(cfg.Redis.Addrs)),
		zap.Int("workers", cfg.Engine.Workers),
	)

	// ctx bounds the whole pipeline; consumeCtx only the Kafka consumer,
	// so shutdown can drain everything behind it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()

	c := openCore(ctx, cfg, logger)
	c.log.Start()

	pool := source.NewPool()
	queue := rib.NewQueue(cfg.Engine.QueueCapacity)

	var wg sync.WaitGroup

	// --- Downstream sink ---
	var out chan *rib.Message
	var pg ribhttp.Pinger
	if cfg.Postgres.Enabled {
		pgPool, err := db.NewPool(ctx, db.PoolConfig{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			ApplicationName: cfg.Service.InstanceID,
		})
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pgPool.Close()
		pg = pgPool

		pm := maintenance.NewPartitionManager(pgPool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create partitions on startup", zap.Error(err))
		}
		go pm.Loop(ctx, time.Duration(cfg.Retention.MaintenanceIntervalS)*time.Second)

		out = make(chan *rib.Message, cfg.Engine.OutputCapacity)
		sk := sink.New(pgPool, pool, cfg.Sink.BatchSize, cfg.Sink.FlushIntervalMs, logger.Named("sink"))
		wg.Add(1)
		go func() { defer wg.Done(); sk.Run(ctx, out) }()
	}

	// --- Dispatcher ---
	dispatcher := rib.NewDispatcher(c.engine, queue, out, pool, c.log, rib.DispatcherConfig{
		Workers:       cfg.Engine.Workers,
		FamineTimeout: time.Duration(cfg.Engine.FamineTimeoutSeconds) * time.Second,
	}, logger.Named("dispatcher"))
	dispatched := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(dispatched)
		if err := dispatcher.Run(ctx); err != nil {
			logger.Warn("dispatcher cancelled", zap.Error(err))
		}
		queue.Close()
	}()

	// --- Source ---
	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	consumer, err := kafka.NewConsumer(kafka.Config{
		Brokers:       cfg.Kafka.Brokers,
		GroupID:       cfg.Kafka.GroupID,
		Topics:        cfg.Kafka.Topics,
		ClientID:      cfg.Kafka.ClientID,
		FetchMaxBytes: cfg.Kafka.FetchMaxBytes,
		TLS:           tlsCfg,
		SASL:          cfg.Kafka.BuildSASLMechanism(),
	}, logger.Named("kafka"))
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	records := make(chan []*kgo.Record, 16)
	flushed := make(chan []*kgo.Record, 16)
	pipeline := source.NewPipeline(queue, pool, cfg.Kafka.MaxPayloadBytes, logger.Named("source"))
	wg.Add(2)
	go func() { defer wg.Done(); consumer.Run(consumeCtx, records, flushed) }()
	go func() { defer wg.Done(); pipeline.Run(ctx, records, flushed) }()

	logger.Info("source started",
		zap.Strings("topics", cfg.Kafka.Topics),
		zap.String("group_id", cfg.Kafka.GroupID),
	)

	// --- Snapshots ---
	if cfg.Snapshot.Path != "" {
		runner := snapshot.NewRunner(c.engine.Trie, cfg.Snapshot.Path,
			time.Duration(cfg.Snapshot.IntervalSeconds)*time.Second, logger.Named("snapshot"))
		go runner.Run(ctx)
	}

	// --- HTTP server ---
	deps := ribhttp.Deps{
		Redis:    c.log,
		Kafka:    consumer,
		Store:    c.log,
		Engine:   c.engine,
		Registry: c.registry,
		Postgres: pg,
	}
	httpServer := ribhttp.NewServer(cfg.Service.HTTPListen, deps, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("rib-engine started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-dispatched:
		logger.Info("dispatcher finished")
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stopping the consumer closes the record stream; the pipeline then
	// queues the stop sentinel and everything behind it drains in order.
	stopConsuming()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("pipeline drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, cancelling pipeline")
		cancel()
		<-done
	}

	if err := c.log.Close(); err != nil {
		logger.Error("closing store", zap.Error(err))
	}
	logger.Info("rib-engine stopped")
}

func runPopulate() {
	cfg, logger := loadConfig(parseFlags(os.Args[2:]))
	defer logger.Sync()

	ctx := context.Background()
	c := openCore(ctx, cfg, logger)
	defer c.log.Close()

	paths, err := c.log.PathStats(ctx)
	if err != nil {
		logger.Fatal("path stats failed", zap.Error(err))
	}
	routes, err := c.log.RoutingStats(ctx)
	if err != nil {
		logger.Fatal("routing stats failed", zap.Error(err))
	}
	logger.Info("rib loaded",
		zap.Int("prefixes_v4", c.engine.Trie.Count4()),
		zap.Int("prefixes_v6", c.engine.Trie.Count6()),
		zap.Uint64("last_path_id", c.engine.LastPathID()),
		zap.Int64("paths", paths.Paths),
		zap.Int64("active_paths", paths.Active),
		zap.Int64("routing_entries", routes.Active),
		zap.Int64("inactive_routing_entries", routes.Inactive),
		zap.Int("ases", c.registry.ASCount()),
		zap.Int("links", c.registry.LinkCount()),
	)
}

func runSnapshot() {
	f := parseFlags(os.Args[2:])
	cfg, logger := loadConfig(f)
	defer logger.Sync()

	path := f.outPath
	if path == "" {
		path = cfg.Snapshot.Path
	}
	if path == "" {
		logger.Fatal("no snapshot destination: pass --out or set snapshot.path")
	}

	ctx := context.Background()
	c := openCore(ctx, cfg, logger)
	defer c.log.Close()

	n, err := snapshot.WriteFile(path, c.engine.Trie)
	if err != nil {
		logger.Fatal("snapshot failed", zap.Error(err))
	}
	logger.Info("snapshot written", zap.String("path", path), zap.Int("prefixes", n))
}

func runMigrate() {
	cfg, logger := loadConfig(parseFlags(os.Args[2:]))
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{DSN: cfg.Postgres.DSN, MaxConns: cfg.Postgres.MaxConns, MinConns: cfg.Postgres.MinConns})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(parseFlags(os.Args[2:]))
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{DSN: cfg.Postgres.DSN, MaxConns: cfg.Postgres.MaxConns, MinConns: cfg.Postgres.MinConns})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

var passwordKV = regexp.MustCompile(`password\s*=\s*\S+`)

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return passwordKV.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
