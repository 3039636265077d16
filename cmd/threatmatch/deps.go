package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/threatmatch/common/logging"
	natsclient "github.com/telhawk-systems/threatmatch/common/messaging/nats"
	"github.com/telhawk-systems/threatmatch/internal/config"
	"github.com/telhawk-systems/threatmatch/internal/ledger"
	"github.com/telhawk-systems/threatmatch/internal/report"
	"github.com/telhawk-systems/threatmatch/internal/repository"
	"github.com/telhawk-systems/threatmatch/internal/source"
)

// newSource builds the OpenSearch adapter wrapped with retries and tracing.
func newSource(cfg *config.Config, logger *logging.Logger) (source.Source, *source.OpenSearch, error) {
	osrc, err := source.NewOpenSearch(source.OpenSearchConfig{
		Addresses:      cfg.OpenSearch.Addresses(),
		Username:       cfg.OpenSearch.Username,
		Password:       cfg.OpenSearch.Password,
		Insecure:       cfg.OpenSearch.Insecure,
		Tiebreaker:     cfg.OpenSearch.Tiebreaker,
		RequestTimeout: cfg.OpenSearch.RequestTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	retry := source.RetryConfig{
		MaxRetries:      cfg.OpenSearch.Retry.MaxRetries,
		InitialInterval: cfg.OpenSearch.Retry.InitialInterval,
		MaxInterval:     cfg.OpenSearch.Retry.MaxInterval,
	}
	retrying := source.NewRetrying(osrc, retry, func(err error, wait time.Duration) {
		logger.Warn("opensearch unavailable, retrying page", logging.Error(err), "wait", wait.String())
	})
	return source.NewTraced(retrying), osrc, nil
}

// newRepository opens the configured run store, migrating PostgreSQL first.
func newRepository(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	if cfg.Database.Type != "postgres" {
		return repository.NewMemoryRepository(), nil
	}

	connString := cfg.Database.Postgres.ConnString()
	logger.Info("running database migrations")
	if err := repository.Migrate(connString); err != nil {
		return nil, err
	}
	repo, err := repository.NewPostgresRepository(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return repo, nil
}

// newRedis returns nil when the ledger is disabled.
func newRedis(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Redis.MaxRetries > 0 {
		opts.MaxRetries = cfg.Redis.MaxRetries
	}
	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}
	return redis.NewClient(opts), nil
}

func newLedger(cfg *config.Config, client *redis.Client) *ledger.Ledger {
	return ledger.New(client, client != nil, cfg.Ledger.TTL)
}

// newPublisher connects to NATS. It returns nils when publishing is disabled.
func newPublisher(cfg *config.Config, logger *logging.Logger) (*report.Publisher, *natsclient.Client, error) {
	if !cfg.NATS.Enabled {
		return nil, nil, nil
	}
	nc := natsclient.DefaultConfig()
	nc.URL = cfg.NATS.URL
	nc.MaxReconnects = cfg.NATS.MaxReconnects
	nc.ReconnectWait = cfg.NATS.ReconnectWait
	nc.Logger = logger.Logger

	client, err := natsclient.NewClient(nc)
	if err != nil {
		return nil, nil, err
	}
	return report.NewPublisher(client), client, nil
}
