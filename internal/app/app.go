// Package app wires configuration, the DynamoDB client, the repository, and
// the admission engine into a running API server. It is the single entry
// point cmd/limiter calls into.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/tokenshard/limiter/internal/cache"
	"github.com/tokenshard/limiter/internal/config"
	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/httpserver"
	"github.com/tokenshard/limiter/internal/telemetry"
	"github.com/tokenshard/limiter/pkg/admissionapi"
	"github.com/tokenshard/limiter/pkg/ratelimiter"
	"github.com/tokenshard/limiter/pkg/repository"
)

// Run reads config, connects to DynamoDB (and Redis, if configured), and
// starts the admission API server. It blocks until ctx is cancelled or the
// server fails.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting limiter", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ddbClient, err := newDynamoDBClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating dynamodb client: %w", err)
	}
	store := dynamostore.New(ddbClient, cfg.TableName)

	repoOpts, err := cacheOptions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	repo := repository.New(store, repoOpts...)

	limiter := ratelimiter.New(repo,
		ratelimiter.WithUnavailablePolicy(ratelimiter.UnavailablePolicy(cfg.OnUnavailable)),
		ratelimiter.WithLogger(logger),
	)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	srv := httpserver.NewServer(logger, repo, metricsReg)
	admissionHandler := admissionapi.NewHandler(limiter, logger)
	srv.APIRouter.Mount("/", admissionHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newDynamoDBClient(ctx context.Context, cfg *config.Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	}), nil
}

// cacheOptions builds the entity/config cache options for the repository: a
// shared Redis-backed cache when REDIS_URL is set, the in-process default
// otherwise.
func cacheOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]repository.Option, error) {
	entityTTL, err := time.ParseDuration(cfg.EntityCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing entity cache ttl %q: %w", cfg.EntityCacheTTL, err)
	}
	configTTL, err := time.ParseDuration(cfg.ConfigCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing config cache ttl %q: %w", cfg.ConfigCacheTTL, err)
	}

	if cfg.RedisURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := cache.Ping(ctx, rdb); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	logger.Info("using redis-backed entity/config cache")

	return []repository.Option{
		repository.WithEntityCache(cache.NewRedis(rdb, "entity"), entityTTL),
		repository.WithConfigCache(cache.NewRedis(rdb, "config"), configTTL),
	}, nil
}
