// Package lifecycle tracks process phase for health reporting and runs the ordered
// shutdown sequence.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Phase values reported by health.
const (
	PhaseStarting     = "starting"
	PhaseReady        = "ready"
	PhaseShuttingDown = "shutting-down"
)

var (
	shuttingDown atomic.Bool
	readyAt      atomic.Int64 // unix nanos; 0 means ready immediately
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// SetReadyAt sets when the process starts reporting ready. Health reports starting
// before then, so a load balancer does not route to a process whose stream has not
// produced a first overlay.
func SetReadyAt(t time.Time) {
	if t.IsZero() {
		readyAt.Store(0)
		return
	}
	readyAt.Store(t.UnixNano())
}

// CurrentPhase returns the phase at now.
func CurrentPhase(now time.Time) string {
	if IsShuttingDown() {
		return PhaseShuttingDown
	}
	if at := readyAt.Load(); at != 0 && now.UnixNano() < at {
		return PhaseStarting
	}
	return PhaseReady
}

// Step is one stage of the shutdown sequence.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

// RunShutdown runs steps in order, each bounded by ctx. A failed step is logged and the
// sequence continues; the joined errors are returned.
func RunShutdown(ctx context.Context, logger *zap.Logger, steps ...Step) error {
	var errs []error
	for _, s := range steps {
		start := time.Now()
		if err := s.Fn(ctx); err != nil {
			logger.Error("shutdown step failed", zap.String("step", s.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		logger.Info("shutdown step complete", zap.String("step", s.Name), zap.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}
