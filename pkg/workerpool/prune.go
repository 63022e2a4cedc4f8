package workerpool

import (
	"context"
	"log/slog"
	"time"

	"github.com/xtracthub/container-service/pkg/metrics"
)

// Pruner reclaims local image cache space.
type Pruner interface {
	Prune(ctx context.Context) error
}

// PruneCoordinator prunes the image cache periodically, but only while no
// worker is executing a task. While a prune runs, workers stop polling.
type PruneCoordinator struct {
	manager  *Manager
	pruner   Pruner
	interval time.Duration
	recheck  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewPruneCoordinator prunes every interval. A deferred prune is retried
// after the pool's poll interval.
func NewPruneCoordinator(m *Manager, pruner Pruner, interval time.Duration) *PruneCoordinator {
	if interval <= 0 {
		interval = time.Hour
	}
	return &PruneCoordinator{
		manager:  m,
		pruner:   pruner,
		interval: interval,
		recheck:  m.cfg.PollInterval,
		logger:   m.logger.With("component", "prune"),
		metrics:  m.metrics,
	}
}

// RunOnce prunes if the pool is quiet. It reports whether a prune ran.
func (c *PruneCoordinator) RunOnce(ctx context.Context) (bool, error) {
	if !c.manager.tryBeginPrune() {
		c.metrics.PruneDeferred()
		return false, nil
	}
	defer c.manager.endPrune()

	start := time.Now()
	err := c.pruner.Prune(ctx)
	c.metrics.PruneRan()
	if err != nil {
		c.logger.Error("prune failed", "error", err)
		return true, err
	}
	c.logger.Info("pruned image cache", "elapsed", time.Since(start))
	return true, nil
}

// Run prunes until ctx is cancelled.
func (c *PruneCoordinator) Run(ctx context.Context) {
	for {
		for {
			ran, _ := c.RunOnce(ctx)
			if ran {
				break
			}
			c.logger.Debug("prune deferred, workers busy")
			if !sleepCtx(ctx, c.recheck) {
				return
			}
		}
		if !sleepCtx(ctx, c.interval) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
