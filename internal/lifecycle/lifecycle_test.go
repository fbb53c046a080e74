package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestIsShuttingDown_DefaultFalse(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
}

func TestSetShuttingDown_True(t *testing.T) {
	SetShuttingDown(true)
	defer SetShuttingDown(false)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
}

// TestCurrentPhase verifies starting before the ready time, ready after it, and that
// shutting-down takes precedence.
func TestCurrentPhase(t *testing.T) {
	defer SetReadyAt(time.Time{})
	defer SetShuttingDown(false)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	SetReadyAt(now.Add(10 * time.Second))

	tests := []struct {
		name     string
		at       time.Time
		shutdown bool
		want     string
	}{
		{"before ready", now, false, PhaseStarting},
		{"at ready", now.Add(10 * time.Second), false, PhaseReady},
		{"after ready", now.Add(time.Minute), false, PhaseReady},
		{"shutting down while starting", now, true, PhaseShuttingDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetShuttingDown(tt.shutdown)
			if got := CurrentPhase(tt.at); got != tt.want {
				t.Errorf("CurrentPhase() = %q, want %q", got, tt.want)
			}
		})
	}

	SetShuttingDown(false)
	SetReadyAt(time.Time{})
	if got := CurrentPhase(now); got != PhaseReady {
		t.Errorf("CurrentPhase() with no ready time = %q, want ready", got)
	}
}

// TestRunShutdown verifies every step runs in order even after a failure, and the
// failure is both logged and returned.
func TestRunShutdown(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var order []string
	boom := errors.New("boom")
	step := func(name string, err error) Step {
		return Step{Name: name, Fn: func(ctx context.Context) error {
			order = append(order, name)
			return err
		}}
	}

	err := RunShutdown(context.Background(), zap.New(core),
		step("http", nil), step("stream", boom), step("cache", nil))
	if !errors.Is(err, boom) {
		t.Errorf("RunShutdown() = %v, want wrapping boom", err)
	}
	if len(order) != 3 || order[0] != "http" || order[2] != "cache" {
		t.Errorf("order = %v", order)
	}
	if logs.FilterMessage("shutdown step failed").Len() != 1 || logs.FilterMessage("shutdown step complete").Len() != 2 {
		t.Errorf("logs = %v", logs.All())
	}
}
