package observability

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Flusher is a telemetry sink with buffered output, such as the Kafka publisher.
type Flusher interface {
	Flush(ctx context.Context) error
}

// FlushTelemetry flushes telemetry buffers before process exit.
// Sinks are flushed first so their own failures still reach the log; logs are synced last.
// Call during graceful shutdown after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, sinks ...Flusher) error {
	var errs []error
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Flush(ctx); err != nil {
			if logger != nil {
				logger.Warn("telemetry sink flush failed", zap.Error(err))
			}
			errs = append(errs, fmt.Errorf("flush sink: %w", err))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}
