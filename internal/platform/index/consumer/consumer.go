package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/cache"
)

// MessageIndexer is implemented by *Indexer.
type MessageIndexer interface {
	Index(ctx context.Context, msg index.Message) (Outcome, error)
}

// Config controls the worker pool.
type Config struct {
	Workers         int
	MaxRetryElapsed time.Duration
	InitialInterval time.Duration
}

// Stats counts what a Run did.
type Stats struct {
	Indexed int64
	Stale   int64
	Invalid int64
}

// Consumer fans messages out over a fixed number of workers. Each message
// is retried as a whole transaction until it succeeds, is rejected as
// invalid, or the retry budget runs out.
type Consumer struct {
	indexer MessageIndexer
	cfg     Config
	logger  zerolog.Logger
}

func New(indexer MessageIndexer, cfg Config, logger zerolog.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = 30 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	return &Consumer{
		indexer: indexer,
		cfg:     cfg,
		logger:  logger.With().Str("component", "consumer").Logger(),
	}
}

// Run consumes msgs until the channel is closed. Invalid messages are
// logged and counted; a message that exhausts its retries stops every
// worker and is returned as the error.
func (c *Consumer) Run(ctx context.Context, msgs <-chan index.Message) (Stats, error) {
	var indexed, stale, invalid atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < c.cfg.Workers; w++ {
		worker := w
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case msg, ok := <-msgs:
					if !ok {
						return nil
					}
					outcome, err := c.Handle(ctx, msg)
					switch {
					case errors.Is(err, ErrInvalidMessage):
						invalid.Add(1)
						c.logger.Warn().Err(err).Int("worker", worker).
							Str("resource_type", msg.ResourceType).
							Str("logical_id", msg.LogicalID).
							Msg("dropping invalid index message")
					case err != nil:
						return err
					case outcome == Stale:
						stale.Add(1)
					default:
						indexed.Add(1)
					}
				}
			}
		})
	}

	err := g.Wait()
	stats := Stats{Indexed: indexed.Load(), Stale: stale.Load(), Invalid: invalid.Load()}
	c.logger.Info().
		Int64("indexed", stats.Indexed).
		Int64("stale", stats.Stale).
		Int64("invalid", stats.Invalid).
		Msg("index run finished")
	return stats, err
}

// Handle indexes one message with retries.
func (c *Consumer) Handle(ctx context.Context, msg index.Message) (Outcome, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialInterval

	outcome, err := backoff.Retry(ctx, func() (Outcome, error) {
		outcome, err := c.indexer.Index(ctx, msg)
		if err != nil && !retryable(err) {
			return outcome, backoff.Permanent(err)
		}
		return outcome, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxElapsedTime(c.cfg.MaxRetryElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn().Err(err).
				Str("resource_type", msg.ResourceType).
				Str("logical_id", msg.LogicalID).
				Dur("retry_in", next).
				Msg("index transaction failed, retrying")
		}),
	)
	if err != nil {
		return outcome, fmt.Errorf("index %s/%s version %d: %w", msg.ResourceType, msg.LogicalID, msg.VersionID, err)
	}
	return outcome, nil
}

// retryable reports whether a fresh transaction could succeed. Identity
// conflicts mean the cache disagrees with the store and are not retried.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidMessage),
		errors.Is(err, cache.ErrIdentityConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
