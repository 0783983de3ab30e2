// Package engine ties the pure state machines to the record store. Every
// mutation runs in one transaction together with its event-log entry.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/canukguy1974/franky-ai/internal/capability"
	"github.com/canukguy1974/franky-ai/internal/config"
	"github.com/canukguy1974/franky-ai/internal/deal"
	"github.com/canukguy1974/franky-ai/internal/events"
	"github.com/canukguy1974/franky-ai/internal/logger"
	"github.com/canukguy1974/franky-ai/internal/metrics"
	"github.com/canukguy1974/franky-ai/internal/repo"
	"github.com/canukguy1974/franky-ai/internal/scheduler"
)

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Capabilities *capability.Registry
	Pool         *scheduler.Pool
	Deals        *deal.Serializer
	Runs         *Runs
	Metrics      *metrics.Metrics
	Logger       logger.Logger
	Now          func() time.Time
}

// New wires an engine over an open, migrated database.
func New(db *sql.DB, cfg *config.Config, caps *capability.Registry) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if caps == nil {
		caps = capability.NewRegistry()
	}
	return Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Events:       events.Writer{DB: db},
		Config:       cfg,
		Capabilities: caps,
		Pool:         scheduler.NewPool(cfg.Scheduler.PoolSize, cfg.Quotas()),
		Deals:        deal.NewSerializer(),
		Runs:         NewRuns(),
		Logger:       logger.Discard(),
		Now:          time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() logger.Logger {
	if e.Logger == nil {
		return logger.Discard()
	}
	return e.Logger
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) machine() deal.Machine {
	return deal.Machine{Policy: e.Config.DealPolicy(), Now: e.now}
}

// inTx runs fn in a transaction and commits when it returns nil. Version
// conflicts are retried a few times with a fresh transaction.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(10*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// deliveryBackoff bounds retries of outbound notifications.
func (e Engine) deliveryBackoff() retry.Backoff {
	attempts := e.Config.Scheduler.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := e.Config.Scheduler.BackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if e.Config.Scheduler.BackoffMax > 0 {
		b = retry.WithCappedDuration(e.Config.Scheduler.BackoffMax, b)
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}
