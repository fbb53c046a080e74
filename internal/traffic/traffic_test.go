package traffic

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// TestRequestCount_Empty verifies that RequestCount returns 0 when no
// requests have been recorded within the time window.
func TestRequestCount_Empty(t *testing.T) {
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}

// TestRecordDenied_AndCounts verifies that RecordDenied increments both
// DenialCount and RequestCount correctly.
func TestRecordDenied_AndCounts(t *testing.T) {
	Reset()
	defer Reset()
	RecordSuccess()
	RecordDenied()
	RecordDenied()
	if n := DenialCount(time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
	if n := RequestCount(time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3", n)
	}
}

// TestErrorRate_DeniedExcluded verifies that ErrorRate counts successes and errors
// only.
func TestErrorRate_DeniedExcluded(t *testing.T) {
	Reset()
	defer Reset()
	RecordSuccess()
	RecordSuccess()
	RecordError()
	RecordDenied()
	errs, total := ErrorRate(time.Minute)
	if errs != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", errs, total)
	}
}

// TestTracker_WindowSlides verifies outcomes leave the window as the clock advances
// and a reused bucket starts from zero.
func TestTracker_WindowSlides(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tr := NewTracker(clock)

	tr.RecordError()
	clock.Advance(30 * time.Second)
	tr.RecordSuccess()

	if errs, total := tr.ErrorRate(time.Minute); errs != 1 || total != 2 {
		t.Errorf("ErrorRate(1m) = (%d, %d), want (1, 2)", errs, total)
	}
	if errs, total := tr.ErrorRate(10 * time.Second); errs != 0 || total != 1 {
		t.Errorf("ErrorRate(10s) = (%d, %d), want (0, 1)", errs, total)
	}

	clock.Advance(45 * time.Second)
	if errs, total := tr.ErrorRate(time.Minute); errs != 0 || total != 1 {
		t.Errorf("ErrorRate(1m) after 75s = (%d, %d), want (0, 1)", errs, total)
	}

	// One retention after the error its bucket is reused and starts from zero.
	clock.Advance(Retention - 75*time.Second)
	tr.RecordDenied()
	if n := tr.RequestCount(Retention); n != 2 {
		t.Errorf("RequestCount(retention) = %d, want 2", n)
	}
	if errs, _ := tr.ErrorRate(Retention); errs != 0 {
		t.Errorf("errors = %d after bucket reuse, want 0", errs)
	}
}

func TestTracker_WindowClamped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := NewTracker(clock)
	tr.RecordSuccess()
	if n := tr.RequestCount(0); n != 1 {
		t.Errorf("RequestCount(0) = %d, want current second counted", n)
	}
	if n := tr.RequestCount(time.Hour); n != 1 {
		t.Errorf("RequestCount(1h) = %d, want 1", n)
	}
}

func TestTracker_Concurrent(t *testing.T) {
	var tr Tracker
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.RecordSuccess()
			}
		}()
	}
	wg.Wait()
	if n := tr.RequestCount(Retention); n != 800 {
		t.Errorf("RequestCount() = %d, want 800", n)
	}
}

// TestReset verifies that Reset clears all recorded outcomes.
func TestReset(t *testing.T) {
	RecordSuccess()
	RecordError()
	RecordDenied()
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() after Reset = %d, want 0", n)
	}
}
