package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type flusherFunc func(ctx context.Context) error

func (f flusherFunc) Flush(ctx context.Context) error { return f(ctx) }

// TestFlushTelemetry_FlushesSinks verifies that every sink is flushed and that a sink
// failure is logged and returned without stopping the remaining sinks.
func TestFlushTelemetry_FlushesSinks(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	boom := errors.New("broker gone")
	var calls int
	ok := flusherFunc(func(context.Context) error { calls++; return nil })
	bad := flusherFunc(func(context.Context) error { calls++; return boom })

	err := FlushTelemetry(context.Background(), logger, bad, nil, ok)
	if !errors.Is(err, boom) {
		t.Errorf("FlushTelemetry error = %v, want wrapping %v", err, boom)
	}
	if calls != 2 {
		t.Errorf("flush calls = %d, want 2", calls)
	}
	if logs.FilterMessage("telemetry sink flush failed").Len() != 1 {
		t.Error("expected one warning for the failed sink")
	}
}

// TestFlushTelemetry_NilLogger verifies that a nil logger is tolerated.
func TestFlushTelemetry_NilLogger(t *testing.T) {
	if err := FlushTelemetry(context.Background(), nil); err != nil {
		t.Errorf("FlushTelemetry(nil) = %v, want nil", err)
	}
}
