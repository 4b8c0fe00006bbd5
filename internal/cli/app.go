package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"

	modxcache "github.com/dgduncan/modx-cache"
	"github.com/dgduncan/modx-cache/caches"
	"github.com/dgduncan/modx-cache/caches/dynamodb"
	"github.com/dgduncan/modx-cache/caches/local"
	"github.com/dgduncan/modx-cache/caches/postgres"
	"github.com/dgduncan/modx-cache/caches/redis"
	"github.com/dgduncan/modx-cache/caches/signed"
	"github.com/dgduncan/modx-cache/internal/config"
)

// app is everything a command needs, built from the effective config.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	telemetry *telemetry
	cache     *signed.Cache[[]modxcache.Message]
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// redisConfig maps the CLI settings onto the client defaults.
func redisConfig(cfg config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.URL = cfg.URL
	rc.Addr = cfg.Addr
	rc.Username = cfg.Username
	rc.Password = cfg.Password
	rc.DB = cfg.DB
	rc.TLS = cfg.TLS
	rc.TLSSkipVerify = cfg.TLSSkipVerify

	if cfg.TimeoutSeconds > 0 {
		rc.ReadTimeout = seconds(cfg.TimeoutSeconds)
		rc.WriteTimeout = seconds(cfg.TimeoutSeconds)
	}
	if cfg.ConnectTimeoutSeconds > 0 {
		rc.DialTimeout = seconds(cfg.ConnectTimeoutSeconds)
	}
	if cfg.PoolSize > 0 {
		rc.PoolSize = cfg.PoolSize
	}

	return rc
}

// openBackend connects the configured byte store.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (caches.Backend, error) {
	switch cfg.Backend {
	case "local":
		return local.NewBasicCache(), nil

	case "redis":
		client, err := redis.NewClient(redisConfig(cfg.Redis))
		if err != nil {
			return nil, err
		}
		backend, err := redis.New(ctx, client)
		if err != nil {
			return nil, errors.Join(err, client.Close())
		}
		return backend, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		backend, err := postgres.New(ctx, db, &postgres.Config{
			DeleteExpiredItems: cfg.Postgres.DeleteExpired,
		}, logger)
		if err != nil {
			return nil, errors.Join(err, db.Close())
		}
		return backend, nil

	case "dynamodb":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.DynamoDB.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.DynamoDB.Region))
		}
		awscfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}

		client := awsdynamodb.NewFromConfig(awscfg, func(o *awsdynamodb.Options) {
			if cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = &cfg.DynamoDB.Endpoint
			}
		})

		if cfg.DynamoDB.CreateTable {
			if err := dynamodb.CreateTable(ctx, client, cfg.DynamoDB.Table); err != nil {
				return nil, fmt.Errorf("creating table: %w", err)
			}
		}

		backend, err := dynamodb.New(ctx, client, &dynamodb.Config{Table: cfg.DynamoDB.Table})
		if err != nil {
			return nil, err
		}
		if err := backend.Ping(ctx); err != nil {
			return nil, errors.Join(caches.ErrPingFailed, err)
		}
		return backend, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newApp(ctx context.Context, cfg config.Config, stderr io.Writer) (*app, error) {
	logger := newLogger(cfg.Log, stderr)

	tel, err := setupTelemetry(ctx, cfg.Telemetry, stderr)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("opening %s backend: %w", cfg.Backend, err), tel.shutdown(ctx))
	}

	sc := signed.DefaultConfig()
	sc.Prefix = cfg.Cache.Prefix
	sc.Secret = []byte(cfg.Cache.Secret)
	sc.DefaultTTL = seconds(cfg.Cache.TTLSeconds)
	sc.NegativeTTL = seconds(cfg.Cache.NegativeTTLSeconds)
	sc.MeterProvider = tel.meterProvider

	cache, err := signed.New[[]modxcache.Message](backend, &sc, logger)
	if err != nil {
		return nil, errors.Join(err, backend.Close(), tel.shutdown(ctx))
	}

	if cfg.Cache.Secret == "" {
		logger.WarnContext(ctx, "cache secret not set, entries are not signed")
	}
	logger.DebugContext(ctx, "cache ready", "backend", cfg.Backend, "prefix", cfg.Cache.Prefix)

	return &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		cache:     cache,
	}, nil
}

// close releases the cache and flushes telemetry.
func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	return errors.Join(a.cache.Close(), a.telemetry.shutdown(ctx))
}
