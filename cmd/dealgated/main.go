package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/g960059/dealgate/internal/collabhttp"
	"github.com/g960059/dealgate/internal/config"
	"github.com/g960059/dealgate/internal/daemon"
	"github.com/g960059/dealgate/internal/logging"
	"github.com/g960059/dealgate/internal/orchestrator"
	"github.com/g960059/dealgate/internal/store"
)

func main() {
	_ = godotenv.Load()

	var configPath, logLevel string
	flag.StringVar(&configPath, "config", os.Getenv("DEALGATE_CONFIG"), "path to YAML config")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for dealgated")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.Parse()

	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	if v := os.Getenv("DEALGATE_CLASSIFIER_URL"); v != "" {
		cfg.ClassifierURL = v
	}
	if v := os.Getenv("DEALGATE_COMPOSER_URL"); v != "" {
		cfg.ComposerURL = v
	}
	if v := os.Getenv("DEALGATE_NOTIFIER_URL"); v != "" {
		cfg.NotifierURL = v
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	if cfg.ClassifierURL == "" || cfg.ComposerURL == "" {
		fatal(fmt.Errorf("%w: classifier_url and composer_url are required", config.ErrConfiguration))
	}

	logger := logging.New(logLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close() //nolint:errcheck

	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		fatal(err)
	}

	collaborators := collabhttp.NewClient(cfg.ClassifierURL, cfg.ComposerURL, cfg.NotifierURL, time.Duration(cfg.CollaboratorTimeout))
	orch, err := orchestrator.New(cfg, st, collaborators, collaborators, collaborators, st, logger)
	if err != nil {
		fatal(err)
	}

	srv := daemon.NewServer(cfg, orch, st, logger)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "dealgated:", err)
	os.Exit(1)
}
