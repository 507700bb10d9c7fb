package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/backend-checkout/internal/config"
	"github.com/noah-isme/backend-checkout/internal/db"
	"github.com/noah-isme/backend-checkout/internal/obs"
)

// Dependencies holds the infrastructure clients shared by the API and worker binaries.
type Dependencies struct {
	DB           *pgxpool.Pool
	Redis        *redis.Client
	LimiterStore limiter.Store
	TaskClient   *asynq.Client
	TaskRedis    asynq.RedisConnOpt
}

// Bootstrap connects Postgres and Redis with retry, runs migrations when enabled
// and prepares the limiter store and task client.
func Bootstrap(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Dependencies, error) {
	pool, err := ConnectPostgres(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info().Msg("migrations applied")
	}

	rdb, err := ConnectRedis(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store, err := NewLimiterStore(rdb)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("limiter store: %w", err)
	}
	taskRedis, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("parse task redis uri: %w", err)
	}

	return &Dependencies{
		DB:           pool,
		Redis:        rdb,
		LimiterStore: store,
		TaskClient:   asynq.NewClient(taskRedis),
		TaskRedis:    taskRedis,
	}, nil
}

// Close releases every client.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	if d.TaskClient != nil {
		_ = d.TaskClient.Close()
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// ConnectPostgres opens a traced pgx pool, retrying with exponential backoff
// until cfg.DBConnectMaxWait elapses.
func ConnectPostgres(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.ConnConfig.Tracer = obs.PGXTracer{}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "backend-checkout"
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.DBMaxConns)
	}
	if cfg.DBMinConns > 0 {
		poolCfg.MinConns = int32(cfg.DBMinConns)
	}

	var pool *pgxpool.Pool
	op := func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	if err := retry(ctx, cfg.DBConnectMaxWait, op, logger, "postgres"); err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// ConnectRedis opens an instrumented redis client and waits for it to answer PING.
func ConnectRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	op := func() error { return client.Ping(ctx).Err() }
	if err := retry(ctx, cfg.DBConnectMaxWait, op, logger, "redis"); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func retry(ctx context.Context, maxWait time.Duration, op backoff.Operation, logger zerolog.Logger, target string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = maxWait
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn().Err(err).Str("target", target).Dur("retry_in", wait).Msg("dependency not ready")
	})
}

// NewLimiterStore wires a rate limiter store backed by Redis.
func NewLimiterStore(rdb *redis.Client) (limiter.Store, error) {
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: "checkout:ratelimit"})
}
