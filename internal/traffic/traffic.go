// Package traffic keeps sliding-window counts of request outcomes. Health uses them to
// report overload (denials) and degradation (pipeline error rate); metrics export them
// as gauges.
package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Retention is the longest window that can be queried.
const Retention = 5 * time.Minute

const numBuckets = int(Retention / time.Second)

var defaultTracker Tracker

// RecordSuccess records a successful overlay request.
func RecordSuccess() { defaultTracker.RecordSuccess() }

// RecordError records a failed overlay request (upstream, decode, timeout).
func RecordError() { defaultTracker.RecordError() }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.RecordDenied() }

// RequestCount returns successes + errors + denials within the window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns the denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (errors, successes+errors) within the window.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears the default tracker. For tests only.
func Reset() { defaultTracker.Reset() }

type bucket struct {
	second                   int64
	success, errors, denials int
}

// Tracker counts outcomes in one-second buckets over Retention. The zero value is ready
// to use with the real clock.
type Tracker struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	buckets [numBuckets]bucket
}

// NewTracker returns a Tracker reading time from clock.
func NewTracker(clock clockwork.Clock) *Tracker {
	return &Tracker{clock: clock}
}

// RecordSuccess records a successful outcome.
func (t *Tracker) RecordSuccess() { t.record(func(b *bucket) { b.success++ }) }

// RecordError records a failed outcome.
func (t *Tracker) RecordError() { t.record(func(b *bucket) { b.errors++ }) }

// RecordDenied records a rate-limit denial.
func (t *Tracker) RecordDenied() { t.record(func(b *bucket) { b.denials++ }) }

// RequestCount returns successes + errors + denials within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	s := t.sum(window)
	return s.success + s.errors + s.denials
}

// DenialCount returns the denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	return t.sum(window).denials
}

// ErrorRate returns (errors, successes+errors) within the window; denials are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	s := t.sum(window)
	return s.errors, s.errors + s.success
}

// Reset clears all buckets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = [numBuckets]bucket{}
}

func (t *Tracker) now() int64 {
	if t.clock == nil {
		return time.Now().Unix()
	}
	return t.clock.Now().Unix()
}

func (t *Tracker) record(inc func(*bucket)) {
	sec := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[sec%int64(numBuckets)]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	inc(b)
}

// sum adds the buckets of the last window, rounded up to whole seconds and capped at
// Retention. The current second counts as the first.
func (t *Tracker) sum(window time.Duration) bucket {
	secs := int64((window + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if secs > int64(numBuckets) {
		secs = int64(numBuckets)
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var total bucket
	for _, b := range t.buckets {
		if b.second > now-secs && b.second <= now {
			total.success += b.success
			total.errors += b.errors
			total.denials += b.denials
		}
	}
	return total
}
