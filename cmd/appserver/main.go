package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	inframetrics "github.com/R3E-Network/consensus-ledger/infrastructure/metrics"
	infrastate "github.com/R3E-Network/consensus-ledger/infrastructure/state"
	"github.com/R3E-Network/consensus-ledger/internal/clock"
	"github.com/R3E-Network/consensus-ledger/internal/consensus"
	"github.com/R3E-Network/consensus-ledger/internal/eventbus"
	"github.com/R3E-Network/consensus-ledger/internal/httpapi"
	"github.com/R3E-Network/consensus-ledger/internal/policy"
	"github.com/R3E-Network/consensus-ledger/internal/storage"
	"github.com/R3E-Network/consensus-ledger/internal/storage/postgres"
	"github.com/R3E-Network/consensus-ledger/pkg/config"
	"github.com/R3E-Network/consensus-ledger/pkg/logger"
	"github.com/R3E-Network/consensus-ledger/pkg/pgnotify"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	dsnFlag := flag.String("dsn", "", "Postgres DSN (overrides config and DATABASE_URL)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	rootCtx := context.Background()
	m := inframetrics.Init("consensus-coordinator")

	stores, notifier, closeStore, err := buildStores(rootCtx, cfg, dsnFlag, m, log)
	if err != nil {
		log.Fatalf("build stores: %v", err)
	}
	if closeStore != nil {
		defer closeStore()
	}

	tierCache := buildTierCache(cfg, log)

	bus := eventbus.New(log)
	clk := clock.SystemClock{}
	sched := clock.NewScheduler(clk, 500*time.Millisecond)
	coord := consensus.NewWithTierCache(stores, bus, sched, clk, cfg.Consensus, tierCache, log)

	if cp := buildTrustCheckpoint(cfg, log); cp != nil {
		coord.Trust.SetCheckpoint(cp)
	}

	if notifier != nil {
		if err := notifier.OnTrustUpdated(func(ctx context.Context, participantID string) error {
			tierCache.Invalidate(ctx, participantID)
			return nil
		}); err != nil {
			log.Errorf("subscribe trust-update notifications: %v", err)
		}
	}

	if err := coord.Start(rootCtx); err != nil {
		log.Fatalf("start coordinator: %v", err)
	}

	checkpointJob := startCheckpointJob(coord, cfg.Consensus.CheckpointInterval, log)
	if checkpointJob != nil {
		defer checkpointJob.Stop()
	}

	procCtx, stopProcSampling := context.WithCancel(rootCtx)
	defer stopProcSampling()
	go inframetrics.SampleProcessStats(procCtx, m, 15*time.Second)

	listenAddr := determineAddr(*addr, cfg)
	server := httpapi.New(listenAddr, coord, m, log)
	server.Hooks().OnPostStop(func(ctx context.Context) error {
		coord.Stop()
		return nil
	})

	go func() {
		if err := server.Start(rootCtx); err != nil {
			log.Errorf("http server stopped: %v", err)
		}
	}()
	log.Infof("consensus coordinator listening on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining in-flight requests")
	if err := server.Stop(); err != nil {
		log.Errorf("graceful shutdown: %v", err)
	}
}

// buildStores selects between the in-memory persistence port and the
// Postgres-backed one per cfg.Database.Driver, resolving the DSN with
// resolveDSN's precedence. When the durable store is engaged and
// cfg.Database.Notify is set, it also opens a pgnotify.Bus for
// cross-instance trust-update propagation and returns the notifier plus a
// close function tearing down the pool and bus.
func buildStores(ctx context.Context, cfg *config.Config, dsnFlag *string, m *inframetrics.Metrics, log *logger.Logger) (*storage.Stores, *postgres.TrustNotifier, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if driver == "" || driver == "memory" {
		return storage.NewMemoryStores(), nil, nil, nil
	}
	if driver != "postgres" {
		return nil, nil, nil, fmt.Errorf("unknown database driver %q", driver)
	}

	dsn := resolveDSN(*dsnFlag, cfg)
	if dsn == "" {
		return nil, nil, nil, fmt.Errorf("database driver is postgres but no DSN was resolved")
	}

	db, err := postgres.Open(ctx, dsn, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.MigrateOnStart)
	if err != nil {
		return nil, nil, nil, err
	}
	stores := postgres.NewStores(db, m)

	var notifier *postgres.TrustNotifier
	var notifyBus *pgnotify.Bus
	if cfg.Database.Notify {
		notifyBus, err = pgnotify.New(dsn)
		if err != nil {
			log.Errorf("open pgnotify bus: %v (continuing without cross-instance trust invalidation)", err)
		} else {
			notifier = postgres.NewTrustNotifier(notifyBus)
		}
	}

	closeFn := func() {
		if notifyBus != nil {
			notifyBus.Close()
		}
		db.Close()
	}
	return stores, notifier, closeFn, nil
}

// buildTierCache selects the policy gateway's tier cache implementation:
// Redis when cfg.Redis.Addr is set (for multi-instance deployments sharing
// one keyspace), otherwise the in-process TTL cache.
func buildTierCache(cfg *config.Config, log *logger.Logger) policy.TierCache {
	ttl := cfg.Consensus.TierCacheTTL
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		log.Infof("policy gateway tier cache backed by redis at %s", addr)
		return policy.NewRedisTierCache(client, ttl, log)
	}
	return policy.NewTTLTierCache(ttl)
}

// buildTrustCheckpoint opens the file-backed checkpoint store the trust
// engine snapshots into so aggregates survive a restart, or returns nil
// when cfg.Consensus.CheckpointDir is unset. Checkpointing is then fully
// disabled regardless of CheckpointInterval.
func buildTrustCheckpoint(cfg *config.Config, log *logger.Logger) *infrastate.PersistentState {
	dir := strings.TrimSpace(cfg.Consensus.CheckpointDir)
	if dir == "" {
		return nil
	}
	backend, err := infrastate.NewFileBackend(dir)
	if err != nil {
		log.Errorf("open trust checkpoint dir %q: %v (continuing without checkpointing)", dir, err)
		return nil
	}
	cp, err := infrastate.NewPersistentState(infrastate.StateConfig{
		Backend:   backend,
		KeyPrefix: "trust:",
	})
	if err != nil {
		log.Errorf("build trust checkpoint: %v (continuing without checkpointing)", err)
		return nil
	}
	return cp
}

// startCheckpointJob runs the trust engine's periodic aggregate snapshot on
// a cron schedule. A non-positive interval, or no checkpoint backend wired
// via buildTrustCheckpoint, disables the job.
func startCheckpointJob(coord *consensus.Coordinator, interval time.Duration, log *logger.Logger) *cron.Cron {
	if interval <= 0 || !coord.Trust.HasCheckpoint() {
		return nil
	}
	spec := fmt.Sprintf("@every %s", interval)
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := coord.Trust.Checkpoint(context.Background()); err != nil {
			log.Errorf("trust checkpoint: %v", err)
		}
	})
	if err != nil {
		log.Errorf("schedule trust checkpoint job: %v", err)
		return nil
	}
	c.Start()
	return c
}

// resolveDSN applies the DSN precedence cmd/appserver documents: an
// explicit -dsn flag wins, then the DATABASE_URL environment variable, then
// the config file's database.dsn, then a best-effort connection string
// built from the legacy host/port/user/password/name/sslmode fields.
func resolveDSN(flag string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flag); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("DATABASE_URL")); env != "" {
		return env
	}
	if cfg == nil {
		return ""
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn
	}
	if strings.TrimSpace(cfg.Database.Host) != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return loadConfigFile(trimmed)
	}
	return config.Load()
}

// loadConfigFile reads a JSON or YAML configuration file based on its
// extension, defaulting to YAML.
func loadConfigFile(path string) (*config.Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return config.LoadConfig(path)
	default:
		return config.LoadFile(path)
	}
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if addr := strings.TrimSpace(flagAddr); addr != "" {
		return addr
	}
	if cfg != nil && cfg.Server.Port != 0 {
		host := strings.TrimSpace(cfg.Server.Host)
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}
	return ":8080"
}
