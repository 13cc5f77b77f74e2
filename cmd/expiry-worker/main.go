package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/practitioner-availability/internal/app"
	"github.com/hackgods/practitioner-availability/internal/config"
	"github.com/hackgods/practitioner-availability/internal/logging"
	"github.com/hackgods/practitioner-availability/internal/scheduling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stderrLog := zerolog.New(os.Stderr)
		stderrLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "expiry-worker").Logger()
	log.Info().Dur("interval", cfg.WorkerInterval).Dur("retention", cfg.Retention).Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	// Run once at startup
	runOnce(rootCtx, a.Store, a.Bulk, cfg.Retention, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, a.Store, a.Bulk, cfg.Retention, log)
		}
	}
}

// runOnce deletes schedules whose planning window ended more than retention
// ago. Deletion goes through the bulk engine, so it takes the schedule lock
// and cancels any appointment still bound to the removed slots.
func runOnce(ctx context.Context, store scheduling.Store, bulk *scheduling.BulkEngine, retention time.Duration, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	ids, err := store.ListEndedSchedules(runCtx, start.Add(-retention))
	if err != nil {
		log.Error().Err(err).Msg("list ended schedules failed")
		return
	}
	if len(ids) == 0 {
		log.Debug().Msg("no expired schedules")
		return
	}

	res, err := bulk.DeleteSchedulesByID(runCtx, ids)
	if err != nil {
		log.Error().Err(err).Int("deleted", res.Schedules).Msg("expiry run error")
		return
	}
	log.Info().
		Int("schedules", res.Schedules).
		Int("slots", res.Slots).
		Int("appointments_cancelled", res.Appointments).
		Dur("took", time.Since(start)).
		Msg("expiry run complete")
}
