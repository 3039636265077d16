package source

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds how a page fetch is retried.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig retries an unavailable page three times over a few seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Retrying retries pages that failed with ErrSourceUnavailable using
// exponential backoff with jitter. Query errors are returned immediately.
type Retrying struct {
	next    Source
	cfg     RetryConfig
	onRetry func(err error, wait time.Duration)
}

// NewRetrying wraps next. onRetry, if non-nil, is called before each wait.
func NewRetrying(next Source, cfg RetryConfig, onRetry func(err error, wait time.Duration)) *Retrying {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &Retrying{next: next, cfg: cfg, onRetry: onRetry}
}

// FetchPage implements Source.
func (r *Retrying) FetchPage(ctx context.Context, indices []string, q Query, cursor Cursor) (*Page, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.InitialInterval
	exp.MaxInterval = r.cfg.MaxInterval
	exp.MaxElapsedTime = 0

	var page *Page
	op := func() error {
		p, err := r.next.FetchPage(ctx, indices, q, cursor)
		if err != nil {
			if !errors.Is(err, ErrSourceUnavailable) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		page = p
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, r.cfg.MaxRetries), ctx)
	if err := backoff.RetryNotify(op, policy, r.onRetry); err != nil {
		return nil, err
	}
	return page, nil
}

var _ Source = (*Retrying)(nil)
