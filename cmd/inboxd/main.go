package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inboxd/inboxd/internal/build"
	"github.com/inboxd/inboxd/internal/config"
	"github.com/inboxd/inboxd/internal/db"
	"github.com/inboxd/inboxd/internal/lifecycle"
	"github.com/inboxd/inboxd/internal/mailbox"
	"github.com/inboxd/inboxd/internal/queue"
	"github.com/inboxd/inboxd/internal/scheduler"
	"github.com/inboxd/inboxd/internal/store"
	syncengine "github.com/inboxd/inboxd/internal/sync"
	"github.com/inboxd/inboxd/internal/triage"
	"github.com/inboxd/inboxd/internal/worker"
)

func main() {
	var (
		dbPath   = flag.String("db", "", "Path to SQLite database (overrides INBOXD_DB_PATH)")
		workers  = flag.Int("workers", 0, "Number of job workers (overrides INBOXD_NUM_WORKERS)")
		logLevel = flag.String("log-level", "", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	// Environment first, then flag overrides.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *workers > 0 {
		cfg.NumWorkers = *workers
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	handlers := []slog.Handler{slog.NewTextHandler(os.Stderr, opts)}

	// Dual-stream logging: stderr plus a rotating file when a log
	// directory is configured.
	if cfg.LogDir != "" {
		logWriter := build.NewRotatingLogWriter()
		rotatorCfg := build.DefaultLogRotatorConfig()
		rotatorCfg.LogDir = cfg.LogDir
		if err := logWriter.InitLogRotator(rotatorCfg); err != nil {
			log.Fatalf("Failed to init log rotator: %v", err)
		}
		defer logWriter.Close()

		handlers = append(
			handlers, slog.NewTextHandler(logWriter, opts),
		)
	}

	logger := slog.New(build.NewHandlerSet(handlers...))
	slog.SetDefault(logger)

	// Open the database with migrations.
	sqliteStore, err := db.NewSqliteStore(&db.SqliteConfig{
		DatabaseFileName: cfg.DBPath,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqliteStore.Close()

	storage := store.NewSqliteStore(sqliteStore.Store)

	queueCfg := queue.DefaultQueueConfig()
	queueCfg.Retention = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	queueStore := queue.NewQueueStore(sqliteStore.Store, queueCfg)

	// The mail transport is linked in separately; until then sync jobs
	// fail loudly instead of silently doing nothing.
	var clients mailbox.Factory = mailbox.UnconfiguredFactory{}
	logger.Warn("No mailbox transport configured, sync jobs will fail " +
		"until one is linked in")

	rules, err := syncengine.ParseRules(cfg.AgentRules)
	if err != nil {
		log.Fatalf("Invalid agent rules: %v", err)
	}

	engineCfg := syncengine.DefaultConfig()
	engineCfg.WindowDays = cfg.SyncWindowDays
	engineCfg.HistoryPageSize = cfg.HistoryPageSize
	engine := syncengine.NewEngine(
		storage, queueStore, clients, rules, engineCfg, logger,
	)

	manager := lifecycle.NewManager(storage, queueStore, clients, logger)

	// The intelligence ports all route through the operator's external
	// commands.
	bridge := &triage.ExecBridge{
		ClassifyCmd: config.SplitCommand(cfg.ClassifyCmd),
		DraftCmd:    config.SplitCommand(cfg.DraftCmd),
		AgentCmd:    config.SplitCommand(cfg.AgentCmd),
		Log:         logger,
	}

	jobHandlers := triage.NewHandlers(
		storage, queueStore, clients, manager, engine,
		bridge, bridge, bridge, logger,
	)

	registry := worker.NewRegistry()
	registry.Register(queue.JobSync, jobHandlers.HandleSync)
	registry.Register(queue.JobClassify, jobHandlers.HandleClassify)
	registry.Register(queue.JobDraft, jobHandlers.HandleDraft)
	registry.Register(queue.JobRework, jobHandlers.HandleRework)
	registry.Register(queue.JobCleanup, jobHandlers.HandleCleanup)
	registry.Register(queue.JobManualDraft, jobHandlers.HandleManualDraft)
	registry.Register(queue.JobAgentProcess, jobHandlers.HandleAgentProcess)

	pool := worker.NewPool(queueStore, registry, worker.PoolConfig{
		NumWorkers:   cfg.NumWorkers,
		PollInterval: cfg.PollInterval,
	}, logger)
	pool.Start()
	defer pool.Stop()

	sched := scheduler.New(
		storage, queueStore, clients, scheduler.DefaultConfig(),
		logger,
	)
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	logger.Info("inboxd started",
		"version", build.Version(),
		"db", cfg.DBPath,
		"workers", cfg.NumWorkers,
		"agent_rules", len(rules))

	// Block until asked to shut down; the deferred stops drain the
	// workers and scheduler.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("Shutting down", "signal", sig.String())
}
