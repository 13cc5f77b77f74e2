// Package app wires the configured infrastructure into the scheduling,
// appointment and recommendation components shared by the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/practitioner-availability/internal/appointment"
	"github.com/hackgods/practitioner-availability/internal/config"
	"github.com/hackgods/practitioner-availability/internal/db"
	"github.com/hackgods/practitioner-availability/internal/events"
	"github.com/hackgods/practitioner-availability/internal/rabbitmq"
	"github.com/hackgods/practitioner-availability/internal/recommend"
	redisclient "github.com/hackgods/practitioner-availability/internal/redis"
	"github.com/hackgods/practitioner-availability/internal/scheduling"
)

// Payments is both ends of the payment confirmation channel.
type Payments interface {
	appointment.PaymentWaiter
	appointment.PaymentSignaler
}

type App struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client // nil when Redis is disabled
	Store       scheduling.Store
	Locker      redisclient.Locker
	Payments    Payments
	Publisher   events.Publisher
	Query       *scheduling.QueryEngine
	Bulk        *scheduling.BulkEngine
	Service     *appointment.Service
	Recommender *recommend.Recommender

	closers []func()
}

// paymentResultTTL is how long a gateway outcome stays claimable.
const paymentResultTTL = 24 * time.Hour

func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{}

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("postgres connection error: %w", err)
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)
	log.Info().Msg("connected to Postgres")

	if cfg.RedisEnabled {
		rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis connection error: %w", err)
		}
		a.Redis = rdb
		a.closers = append(a.closers, func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		})
		a.Locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
		a.Payments = redisclient.NewPaymentBus(rdb, paymentResultTTL)
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	} else {
		a.Locker = redisclient.NewLocalLocker(cfg.LockWait)
		a.Payments = appointment.NewLocalPayments()
		log.Warn().Msg("redis disabled, using in-process locks and payment signals")
	}

	publishers := events.Multi{events.NewPgLog(pool)}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publishers = append(publishers, kp)
		a.closers = append(a.closers, func() {
			if err := kp.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing kafka writer")
			}
		})
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	}
	a.Publisher = publishers

	loc := cfg.Location()
	a.Store = scheduling.NewPgStore(pool)
	a.Query = scheduling.NewQueryEngine(a.Store, loc)
	a.Service = appointment.NewService(a.Store, a.Locker, a.Payments, a.Publisher,
		appointment.Options{PaymentTimeout: cfg.PaymentTimeout}, log)
	a.Bulk = scheduling.NewBulkEngine(a.Store, a.Locker, loc, a.Publisher, log)

	var scoring recommend.ScoringClient
	if cfg.ScoringURL != "" {
		scoring = recommend.NewHTTPScoringClient(cfg.ScoringURL, cfg.ScoringTimeout)
		if cfg.ScoringCacheSize > 0 {
			scoring = recommend.NewCachedScoringClient(scoring, cfg.ScoringCacheSize, cfg.ScoringCacheTTL)
		}
	}
	a.Recommender = recommend.NewRecommender(scoring, a.Store, a.Query, log)

	return a, nil
}

// StartPaymentListener consumes gateway outcomes from RabbitMQ when enabled.
// The listener is stopped by Close.
func (a *App) StartPaymentListener(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if !cfg.RabbitMQEnabled {
		return nil
	}
	l, err := rabbitmq.NewPaymentListener(cfg.RabbitMQURL, cfg.RabbitMQQueue, a.Payments, log)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() {
		if err := l.Stop(); err != nil {
			log.Warn().Err(err).Msg("error closing rabbitmq listener")
		}
	})
	return l.Start(ctx)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
