package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cbmmg/painel-centrais/internal/alert"
	"github.com/cbmmg/painel-centrais/internal/api"
	"github.com/cbmmg/painel-centrais/internal/cache"
	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/database"
	"github.com/cbmmg/painel-centrais/internal/logging"
	"github.com/cbmmg/painel-centrais/internal/models"
	"github.com/cbmmg/painel-centrais/internal/query"
	"github.com/cbmmg/painel-centrais/internal/source"
	"github.com/cbmmg/painel-centrais/internal/supervisor"
	"github.com/cbmmg/painel-centrais/internal/syncer"
)

// Version information - these will be set at build time via ldflags
var (
	Version   = "dev"     // Version number
	GitCommit = "unknown" // Git commit hash
	BuildDate = "unknown" // Build date
	GoVersion = "unknown" // Go version used to build
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 2
	}

	// Check for version flag before other validation
	if cfg.Version {
		printVersion()
		return 0
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 2
	}

	if cfg.WriteConfig != "" {
		if err := cfg.SaveToFile(cfg.WriteConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			return 1
		}
		fmt.Printf("Configuration written to %s\n", cfg.WriteConfig)
		return 0
	}

	logger := logging.NewLogger(cfg.LogFormat, cfg.Verbose, os.Stderr, Version, GitCommit, BuildDate)
	logger.SetAsDefault()

	logger.Verbose("Starting painel-centrais",
		"source", cfg.Source.Kind,
		"db_path", cfg.DBPath,
		"schedule", cfg.Sync.Schedule,
		"cache_ttl", cfg.Cache.TTL.Duration,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.CheckConnections {
		if err := checkConnections(ctx, cfg, logger); err != nil {
			logger.LogError("Connection check failed", err)
			return 1
		}
		fmt.Println("All connections successful!")
		return 0
	}

	db, err := database.InitSQLite(cfg.DBPath, cfg.DBTimeout.Duration)
	if err != nil {
		logger.LogError("Failed to initialize SQLite", err)
		return 1
	}
	defer db.Close()

	if err := database.InitSchema(db); err != nil {
		logger.LogError("Failed to initialize database schema", err)
		return 1
	}
	if cfg.InitDB {
		fmt.Println("Database initialized successfully!")
		return 0
	}

	if cfg.StatsOnly {
		if err := printStats(ctx, db); err != nil {
			logger.LogError("Failed to print stats", err)
			return 1
		}
		return 0
	}

	if cfg.Vacuum {
		if err := performCleanup(ctx, db, logger); err != nil {
			logger.LogError("Failed to perform cleanup", err)
			return 1
		}
		fmt.Println("Cleanup completed successfully!")
		return 0
	}

	src, err := source.New(cfg, logger.Logger)
	if err != nil {
		logger.LogError("Failed to configure source", err)
		return 1
	}
	defer source.Close(src)

	c := cache.New(cfg.Cache.TTL.Duration)
	s := syncer.New(src, db, c, alert.New(cfg.Alert), logger.Logger, cfg.Sync)

	if cfg.SyncOnce {
		stats, err := syncOnce(ctx, s)
		if err != nil {
			logger.LogError("Sync failed", err)
			return 1
		}
		printRunStats(stats)
		return 0
	}

	facade := query.New(c, db, s, logger.Logger)
	cfg.HTTP.WriteTimeout = config.NewDuration(cfg.ServerWriteTimeout())
	server := api.NewServer(facade, db, cfg.HTTP, logger.Logger)

	tree := supervisor.NewTree(logger.Logger, supervisor.TreeConfig{
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout.Duration,
	})
	tree.AddSyncService(supervisor.NewSchedulerService(s))
	tree.AddAPIService(server)

	logger.Info("painel-centrais started",
		"addr", cfg.HTTP.Addr,
		"source", src.Ident(),
		"schedule", cfg.Sync.Schedule,
	)
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.LogError("Supervisor stopped with error", err)
		return 1
	}
	logger.Info("painel-centrais stopped")
	return 0
}

func printVersion() {
	fmt.Printf("Painel Centrais\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Go Version: %s\n", GoVersion)
}

func checkConnections(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Checking connections...")

	logger.Info("Testing upstream source...", "kind", cfg.Source.Kind)
	if cfg.Source.Kind == config.SourceMySQL {
		for k, v := range cfg.GetDSNInfo() {
			logger.Verbose("remote database", k, v)
		}
	}
	src, err := source.New(cfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("source configuration: %w", err)
	}
	defer source.Close(src)

	checkCtx, cancel := context.WithTimeout(ctx, cfg.Sync.FetchTimeout.Duration)
	defer cancel()
	if err := src.Check(checkCtx); err != nil {
		return fmt.Errorf("upstream check failed: %w", err)
	}
	logger.Info("Upstream source reachable", "source", src.Ident())

	logger.Info("Testing local database...")
	db, err := database.InitSQLite(cfg.DBPath, cfg.DBTimeout.Duration)
	if err != nil {
		return fmt.Errorf("local database: %w", err)
	}
	db.Close()
	logger.Info("Local database accessible", "path", cfg.DBPath)

	if client, ok := alert.New(cfg.Alert).(*alert.Client); ok {
		logger.Info("Testing alert webhook...")
		if err := client.SendTest(ctx); err != nil {
			return fmt.Errorf("alert webhook test failed: %w", err)
		}
		logger.Info("Alert webhook test successful")
	}

	return nil
}

// syncOnce completes the initial load if needed and runs one incremental sync.
func syncOnce(ctx context.Context, s *syncer.Syncer) (*models.SyncStats, error) {
	if err := s.EnsureInitialLoad(ctx); err != nil {
		return nil, err
	}
	return s.RunIncremental(ctx)
}

func printStats(ctx context.Context, db *database.DB) error {
	stats, err := db.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get statistics: %w", err)
	}

	fmt.Printf("\n=== Painel Centrais Statistics ===\n\n")

	if total, ok := stats["total_records"].(int); ok {
		fmt.Printf("Total Records: %d\n", total)
	}
	if first, ok := stats["first_date"].(string); ok {
		fmt.Printf("Period: %s to %s\n", first, stats["last_date"])
	}
	fmt.Println()

	printCounts("By Region", stats["by_region"])
	printCounts("By Outcome", stats["by_outcome"])

	if runs, ok := stats["sync_runs_24h"].(int); ok {
		fmt.Printf("Sync Runs in Last 24 Hours: %d (%v failed)\n", runs, stats["sync_failures_24h"])
	}
	if last, ok := stats["last_sync"].(models.SyncLogEntry); ok {
		fmt.Printf("Last Sync: %s %s at %s, %d added\n",
			last.SyncType, last.Status, last.Timestamp.Local().Format(time.DateTime), last.RecordsAdded)
		if last.Status == models.SyncFailure {
			fmt.Printf("  Error: %s\n", last.Details)
		}
	}
	return nil
}

func printCounts(title string, v interface{}) {
	counts, ok := v.(map[string]int)
	if !ok || len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("%s:\n", title)
	for _, k := range keys {
		fmt.Printf("  %s: %d\n", k, counts[k])
	}
	fmt.Println()
}

func printRunStats(stats *models.SyncStats) {
	fmt.Printf("\n=== Sync Statistics ===\n")
	fmt.Printf("Run: %s (%s)\n", stats.RunID, stats.SyncType)
	fmt.Printf("Records fetched: %d\n", stats.RecordsFetched)
	fmt.Printf("Records dropped: %d\n", stats.RecordsDropped)
	fmt.Printf("Values coerced: %d\n", stats.Warnings)
	fmt.Printf("Records added: %d\n", stats.RecordsAdded)
	fmt.Printf("Duration: %s\n", stats.Duration)
}

func performCleanup(ctx context.Context, db *database.DB, logger *logging.Logger) error {
	logger.Info("Starting database vacuum")

	took, err := db.Vacuum(ctx)
	if err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	logger.Info("Database vacuum completed", "duration", took)
	return nil
}
