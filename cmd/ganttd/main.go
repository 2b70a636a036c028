package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mwebazejunior/airflow/internal/config"
	"github.com/mwebazejunior/airflow/internal/db"
	"github.com/mwebazejunior/airflow/internal/demo"
	"github.com/mwebazejunior/airflow/internal/events"
	"github.com/mwebazejunior/airflow/internal/logging"
	"github.com/mwebazejunior/airflow/internal/metrics"
	"github.com/mwebazejunior/airflow/internal/web"
)

const Version = "0.4.2"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("ganttd version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "seed":
		runSeed(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: ganttd <serve|seed|prune|version> [args]")
}

// loadConfig layers defaults, the optional config file, and the
// environment. Flags come last and are bound by the caller.
func loadConfig(args []string) (*config.Config, string, error) {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		return nil, "", err
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		return nil, "", err
	}

	cfg := config.DefaultConfig()
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, "", err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

// finishFlags re-detects the driver when --dsn was given without an
// explicit --driver, matching how the environment layer behaves.
func finishFlags(fs *flag.FlagSet, cfg *config.Config) error {
	dsnSet, driverSet := false, false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dsn":
			dsnSet = true
		case "driver":
			driverSet = true
		}
	})
	if dsnSet && !driverSet {
		cfg.Driver = config.DetectDriver(cfg.DatabaseURL)
	}
	if cfg.Driver != config.DriverPostgres && cfg.Driver != config.DriverSQLite {
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	return nil
}

func runServe(args []string) {
	cfg, configPath, err := loadConfig(args)
	if err != nil {
		log.Fatal(err)
	}

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.String("config", configPath, "Path to ganttd config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if err := finishFlags(fs, cfg); err != nil {
		log.Fatal(err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DSN required (use --dsn, DATABASE_URL, or config file)")
	}

	// 1. Logging
	logger := logging.Init(cfg.ServiceID)
	logger.Info("Starting ganttd", "version", Version, "driver", cfg.Driver, "addr", cfg.ListenAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 2. Database
	store, err := db.Open(ctx, cfg.Driver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to ensure schema", "error", err)
		os.Exit(1)
	}

	// 3. Events and metrics
	broker := events.NewBroker(256)
	metrics.StartCollector(ctx, store, cfg.MetricsInterval, logger)

	// 4. Demo mode
	if cfg.DemoMode {
		if err := demo.Seed(ctx, store, cfg.DemoSeed, time.Now()); err != nil {
			logger.Error("Demo seed failed", "error", err)
			os.Exit(1)
		}
		sim := demo.NewSimulator(store, broker, logger, cfg.DemoTick, cfg.DemoSeed)
		go func() {
			if err := sim.Start(ctx); err != nil {
				logger.Error("Demo simulator error", "error", err)
			}
		}()
	}

	// 5. Retention
	if cfg.Retention > 0 {
		go runRetention(ctx, store, cfg.Retention, logger)
	}

	// 6. HTTP server
	server, err := web.NewServer(*cfg, store, broker, logger)
	if err != nil {
		logger.Error("Failed to build server", "error", err)
		os.Exit(1)
	}
	logger.Info("Serving charts", "addr", cfg.ListenAddr, "default_dag", cfg.DefaultDagID)
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped cleanly")
}

func runRetention(ctx context.Context, store db.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
			n, err := store.PruneBefore(pruneCtx, time.Now().Add(-retention))
			cancel()
			if err != nil {
				logger.Error("Retention prune failed", "error", err)
			} else if n > 0 {
				logger.Info("Pruned old runs", "count", n)
			}
		}
	}
}

func runSeed(args []string) {
	cfg, configPath, err := loadConfig(args)
	if err != nil {
		log.Fatal(err)
	}

	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	fs.String("config", configPath, "Path to ganttd config file")
	seed := fs.Int64("seed", cfg.DemoSeed, "Seed for the generated history")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if err := finishFlags(fs, cfg); err != nil {
		log.Fatal(err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DSN required (use --dsn, DATABASE_URL, or config file)")
	}

	ctx := context.Background()
	store, err := db.Open(ctx, cfg.Driver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal(err)
	}

	if err := demo.Seed(ctx, store, *seed, time.Now()); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Seeded example dags.")
}

func runPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("DATABASE_URL"), "Database connection string")
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Prune runs that ended more than this long ago")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}

	if *dsn == "" {
		log.Fatal("DSN required (use --dsn or DATABASE_URL)")
	}
	if *olderThan <= 0 {
		log.Fatal("--older-than must be a positive duration")
	}

	ctx := context.Background()
	store, err := db.Open(ctx, config.DetectDriver(*dsn), *dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	n, err := store.PruneBefore(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Pruned %d run(s)\n", n)
}
