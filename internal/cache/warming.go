package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/observability"
)

// Target names one overlay to precompute: a site at an elevation, with the service's
// default threshold and density.
type Target struct {
	Site      string
	Elevation float64
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%.2f", t.Site, t.Elevation)
}

// OverlayFetcher is implemented by the service layer to compute (and cache) an overlay.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type OverlayFetcher interface {
	WarmOverlay(ctx context.Context, t Target) error
}

// CacheWarmer precomputes overlays so the first request after a new volume lands is a hit.
type CacheWarmer struct {
	fetcher OverlayFetcher
	clock   clockwork.Clock
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer. A nil clock selects the real clock.
func NewCacheWarmer(fetcher OverlayFetcher, clock clockwork.Clock, logger *zap.Logger) *CacheWarmer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, clock: clock, logger: logger}
}

// Warm computes every target concurrently. Returns the joined errors of failed targets.
func (w *CacheWarmer) Warm(ctx context.Context, targets []Target) error {
	start := w.clock.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("targets", len(targets)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			if err := w.fetcher.WarmOverlay(ctx, t); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", t, err))
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	duration := w.clock.Since(start)
	observability.CacheWarmingDurationSeconds.Observe(duration.Seconds())
	w.logger.Info("cache warming complete",
		zap.Int("targets", len(targets)),
		zap.Int("errors", len(errs)),
		zap.Duration("duration", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, targets []Target, interval time.Duration) error {
	if err := w.Warm(ctx, targets); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := w.Warm(ctx, targets); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
