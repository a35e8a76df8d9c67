// Package main runs the marketplace settlement and fulfillment server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/collectix/marketplace/internal/app"
	"github.com/collectix/marketplace/internal/app/httpapi"
	"github.com/collectix/marketplace/internal/app/metrics"
	"github.com/collectix/marketplace/internal/app/storage/postgres"
	"github.com/collectix/marketplace/internal/carrier"
	"github.com/collectix/marketplace/internal/config"
	"github.com/collectix/marketplace/internal/platform/migrations"
	"github.com/collectix/marketplace/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadFromPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.LoadOrDefault()
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}, "server")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	stores := app.Stores{}
	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = migrations.Apply(ctx, db)
		cancel()
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}

		store := postgres.New(db)
		stores = app.Stores{
			Transactions:  store,
			Auctions:      store,
			Labels:        store,
			ServicePoints: store,
		}
		log.Info("Using Postgres storage")
	} else {
		log.Warn("DATABASE_DSN not set; using in-memory storage")
	}

	opts := app.Options{
		SettlementSpec:   cfg.Schedules.Settlement,
		LabelRefreshSpec: cfg.Schedules.LabelRefresh,
		PlatformFeePct:   cfg.Fees.PlatformPct,
		SellerFeePct:     cfg.Fees.SellerPct,
	}
	if cfg.Carrier.BaseURL != "" {
		client, err := carrier.New(carrier.Config{
			BaseURL:  cfg.Carrier.BaseURL,
			APIKey:   cfg.Carrier.APIKey,
			Provider: cfg.Carrier.Provider,
		}, &http.Client{Timeout: 15 * time.Second}, log)
		if err != nil {
			return fmt.Errorf("configure carrier client: %w", err)
		}
		opts.Carrier = client
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = application.Start(startCtx)
	startCancel()
	if err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", metrics.InstrumentHandler(httpapi.NewHandler(application)))

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("address", cfg.Server.Address).Info("Marketplace API listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown error")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Application stop error")
	}
	log.Info("Server stopped")
	return nil
}
