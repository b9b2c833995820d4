// Package cleanup runs background maintenance sweeps against the
// durable store: recovering executions whose owner died mid-stream and
// purging records past retention.
package cleanup

import (
	"context"
	"time"

	"github.com/HyphaGroup/warden/internal/logger"
	"github.com/HyphaGroup/warden/internal/metrics"
	"github.com/HyphaGroup/warden/internal/store"
	"github.com/robfig/cron/v3"
)

// Config holds sweep configuration
type Config struct {
	// Schedule is a cron expression (robfig syntax, @every accepted)
	Schedule string

	// StaleHeartbeat is how old an execution heartbeat may be before
	// the execution is considered abandoned.
	StaleHeartbeat time.Duration

	// Retention is how long terminal sessions are kept
	Retention time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Schedule:       "@every 5m",
		StaleHeartbeat: 2 * time.Minute,
		Retention:      30 * 24 * time.Hour,
	}
}

// Sweeper schedules and runs the maintenance sweeps
type Sweeper struct {
	store store.Store
	cfg   Config
	cron  *cron.Cron
}

// New creates a sweeper over the given store
func New(st store.Store, cfg Config) *Sweeper {
	return &Sweeper{
		store: st,
		cfg:   cfg,
		cron:  cron.New(),
	}
}

// Start registers the sweep job and starts the scheduler. The first
// sweep runs immediately so a restart recovers orphans right away.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	go s.Sweep()

	logger.Slog().Info("cleanup sweeper started",
		"schedule", s.cfg.Schedule,
		"stale_heartbeat", s.cfg.StaleHeartbeat.String(),
		"retention", s.cfg.Retention.String())
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Slog().Info("cleanup sweeper stopped")
}

// Sweep runs one pass of stale recovery and retention purge
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recovered, err := s.store.RecoverStaleExecutions(ctx, time.Now().Add(-s.cfg.StaleHeartbeat))
	if err != nil {
		logger.ErrorContext(ctx, "stale execution recovery failed", "error", err)
	} else if recovered > 0 {
		metrics.StaleExecutionsRecovered.Add(float64(recovered))
		logger.InfoContext(ctx, "recovered stale executions", "count", recovered)
	}

	purged, err := s.store.PurgeOldSessions(ctx, time.Now().Add(-s.cfg.Retention))
	if err != nil {
		logger.ErrorContext(ctx, "retention purge failed", "error", err)
	} else if purged > 0 {
		logger.InfoContext(ctx, "purged old sessions", "count", purged)
	}
}
