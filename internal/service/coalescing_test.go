package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestRequestCoalescer_GetOrDo_ConcurrentRequests verifies that concurrent callers for
// one key share a single computation and all receive its result.
func TestRequestCoalescer_GetOrDo_ConcurrentRequests(t *testing.T) {
	coalescer := newRequestCoalescer[string](5 * time.Second)
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "overlay", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 10)
	shared := make([]bool, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], shared[idx], errs[idx] = coalescer.GetOrDo(context.Background(), "KMOB|v|0.5|7|2", fn)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	nShared := 0
	for i := range results {
		if errs[i] != nil {
			t.Errorf("request %d error = %v, want nil", i, errs[i])
		}
		if results[i] != "overlay" {
			t.Errorf("request %d result = %q, want overlay", i, results[i])
		}
		if shared[i] {
			nShared++
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn call count = %d, want 1 (coalescing failed)", got)
	}
	if nShared != 9 {
		t.Errorf("shared callers = %d, want 9", nShared)
	}
	if coalescer.inFlightCount() != 0 {
		t.Errorf("inFlightCount = %d after completion, want 0", coalescer.inFlightCount())
	}
}

func TestRequestCoalescer_GetOrDo_ErrorPropagation(t *testing.T) {
	coalescer := newRequestCoalescer[string](5 * time.Second)
	wantErr := errors.New("decode failure")
	release := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		<-release
		return "", wantErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = coalescer.GetOrDo(context.Background(), "k", fn)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("request %d error = %v, want %v", i, err, wantErr)
		}
	}
}

// TestRequestCoalescer_CallerCancelDoesNotAbortOthers verifies that the first caller
// going away does not cancel the shared computation. A second caller that arrives after
// the computation finished starts its own and must still succeed.
func TestRequestCoalescer_CallerCancelDoesNotAbortOthers(t *testing.T) {
	coalescer := newRequestCoalescer[string](5 * time.Second)
	computeCtx := make(chan context.Context, 2)
	release := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		computeCtx <- ctx
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := coalescer.GetOrDo(firstCtx, "k", fn)
		firstErr <- err
	}()
	shared := <-computeCtx

	second := make(chan string, 1)
	go func() {
		v, _, _ := coalescer.GetOrDo(context.Background(), "k", fn)
		second <- v
	}()

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller error = %v, want context.Canceled", err)
	}
	if err := shared.Err(); err != nil {
		t.Errorf("shared computation context = %v after first caller cancelled, want live", err)
	}
	close(release)
	select {
	case v := <-second:
		if v != "done" {
			t.Errorf("second caller = %q, want done", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
}

func TestRequestCoalescer_GetOrDo_Timeout(t *testing.T) {
	coalescer := newRequestCoalescer[string](50 * time.Millisecond)
	fn := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	_, _, err := coalescer.GetOrDo(context.Background(), "k", fn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GetOrDo() error = %v, want context deadline exceeded", err)
	}
}

func TestRequestCoalescer_GetOrDo_Panic(t *testing.T) {
	coalescer := newRequestCoalescer[string](time.Second)
	_, _, err := coalescer.GetOrDo(context.Background(), "k", func(ctx context.Context) (string, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("GetOrDo() error = nil, want recovered panic")
	}
	// The key is released, so the next call computes again.
	v, _, err := coalescer.GetOrDo(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Errorf("GetOrDo() after panic = %q, %v; want ok", v, err)
	}
}

func TestRequestCoalescer_GetOrDo_DifferentKeys(t *testing.T) {
	coalescer := newRequestCoalescer[string](5 * time.Second)
	var calls atomic.Int32
	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _, _ = coalescer.GetOrDo(context.Background(), key, fn)
		}("key" + strconv.Itoa(i))
	}
	wg.Wait()

	if got := calls.Load(); got != 5 {
		t.Errorf("fn call count = %d, want 5 (no coalescing for different keys)", got)
	}
}
