package cache

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultInitialDelay  = 10 * time.Second
)

// Janitor runs periodic cache sweeps: one shortly after startup, then on a
// fixed interval. Run blocks until ctx is cancelled, so tests can drive and
// await it explicitly.
type Janitor struct {
	Manager      *Manager
	Interval     time.Duration
	InitialDelay time.Duration
	Logger       *slog.Logger
}

func (j *Janitor) Run(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	initialDelay := j.InitialDelay
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}

	startup := time.NewTimer(initialDelay)
	defer startup.Stop()
	select {
	case <-ctx.Done():
		return
	case <-startup.C:
		j.sweep(logger)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(logger)
		}
	}
}

func (j *Janitor) sweep(logger *slog.Logger) {
	before := j.Manager.EntryCount()
	j.Manager.CheckAndCleanup()
	after := j.Manager.EntryCount()
	if removed := before - after; removed > 0 {
		logger.Info("cache sweep",
			slog.Int("removed", removed),
			slog.Int("remaining", after),
		)
	}
}
