package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hackgods/practitioner-availability/internal/api"
	"github.com/hackgods/practitioner-availability/internal/app"
	"github.com/hackgods/practitioner-availability/internal/config"
	"github.com/hackgods/practitioner-availability/internal/db"
	"github.com/hackgods/practitioner-availability/internal/logging"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "api-server",
		Short: "Practitioner availability and booking API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load error: %w", err)
			}
			log := logging.New(cfg.Env, cfg.LogLevel)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				log.Info().Msg("database is up to date")
				return nil
			}
			for _, name := range applied {
				log.Info().Str("migration", name).Msg("applied")
			}
			return nil
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("timezone", cfg.Timezone).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.StartPaymentListener(rootCtx, cfg, log); err != nil {
		return fmt.Errorf("payment listener: %w", err)
	}

	var redisPing api.Pinger
	if a.Redis != nil {
		redisPing = api.PingFunc(func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() })
	}

	router := api.NewRouter(api.RouterConfig{
		Store:       a.Store,
		Query:       a.Query,
		Bulk:        a.Bulk,
		Recommender: a.Recommender,
		Service:     a.Service,
		Payments:    a.Payments,
		Health:      api.NewHealthHandler(a.Pool, redisPing, cfg.Env, version),
		Logger:      log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// Bookings may wait for a payment confirmation.
		WriteTimeout: cfg.PaymentTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutting down api-server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	log.Info().Msg("api-server stopped")
	return nil
}
