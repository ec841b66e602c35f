// Command taskloopd runs a pool of workers that claim task records from the
// configured store and execute them until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/taskloop/config"
	"github.com/GoCodeAlone/taskloop/internal/engine"
	"github.com/GoCodeAlone/taskloop/internal/logging"
	"github.com/GoCodeAlone/taskloop/internal/version"
)

var (
	configPath   = flag.String("config", "taskloop.yaml", "path to config file (defaults are used if it does not exist)")
	showVersion  = flag.Bool("version", false, "print version and exit")
	drainTimeout = flag.Duration("drain-timeout", 30*time.Second, "how long shutdown waits for in-flight records")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger, _, closeLog, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLog() //nolint:errcheck

	logger.Info("starting taskloopd",
		"version", version.Version,
		"commit", version.Commit,
		"store", cfg.Store.Driver,
		"provider", cfg.Provider.Kind,
		"workers", cfg.Workers.Count,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer e.Close() //nolint:errcheck

	// Workers run on a context that outlives the signal so Stop can drain.
	pool := e.Pool()
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to start workers", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down", "drain_timeout", *drainTimeout)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer stopCancel()
	if err := pool.Stop(stopCtx); err != nil {
		logger.Error("workers did not drain", "error", err)
	}
	logger.Info("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.DefaultConfig()
		cfg.ApplyEnv(os.LookupEnv)
		return cfg, cfg.Validate()
	}
	return cfg, err
}
