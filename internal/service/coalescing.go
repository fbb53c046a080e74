package service

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// call is one in-flight computation that any number of callers may wait on.
type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// requestCoalescer collapses concurrent requests for the same key into one computation.
type requestCoalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*call[T]
	timeout  time.Duration
}

func newRequestCoalescer[T any](timeout time.Duration) *requestCoalescer[T] {
	return &requestCoalescer[T]{
		inFlight: make(map[string]*call[T]),
		timeout:  timeout,
	}
}

// GetOrDo joins the computation in flight for key, or starts fn if there is none.
// shared reports whether the caller joined an existing computation.
//
// fn runs detached from the caller's cancellation but bounded by the coalescer timeout,
// so one caller going away does not fail the others. Each caller still stops waiting
// when its own ctx is done.
func (rc *requestCoalescer[T]) GetOrDo(ctx context.Context, key string, fn func(context.Context) (T, error)) (val T, shared bool, err error) {
	rc.mu.Lock()
	c, shared := rc.inFlight[key]
	if !shared {
		c = &call[T]{done: make(chan struct{})}
		rc.inFlight[key] = c
		go rc.execute(context.WithoutCancel(ctx), key, c, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-waitCtx.Done():
		var zero T
		return zero, shared, waitCtx.Err()
	}
}

func (rc *requestCoalescer[T]) execute(ctx context.Context, key string, c *call[T], fn func(context.Context) (T, error)) {
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("coalesced compute panicked: %v", r)
		}
		rc.mu.Lock()
		delete(rc.inFlight, key)
		rc.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn(ctx)
}

// inFlightCount returns the number of keys being computed.
func (rc *requestCoalescer[T]) inFlightCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
