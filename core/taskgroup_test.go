package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestForEachLimitBoundsConcurrency(t *testing.T) {
	const n, limit = 20, 3
	var inFlight, peak int32

	results := ForEachLimit(context.Background(), n, limit, func(ctx context.Context, i int) (int, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return i * 2, nil
	})

	got := 0
	for res := range results {
		if res.Err != nil {
			t.Fatalf("task %d: %v", res.Index, res.Err)
		}
		if res.Value != res.Index*2 {
			t.Errorf("task %d value = %d", res.Index, res.Value)
		}
		got++
	}
	if got != n {
		t.Fatalf("received %d results, want %d", got, n)
	}
	if p := atomic.LoadInt32(&peak); p > limit {
		t.Errorf("peak concurrency %d exceeded limit %d", p, limit)
	}
}

func TestForEachLimitIsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	results := ForEachLimit(context.Background(), 10, 4, func(ctx context.Context, i int) (string, error) {
		if i%3 == 0 {
			return "", fmt.Errorf("task %d: %w", i, boom)
		}
		return fmt.Sprintf("ok-%d", i), nil
	})

	var failed, succeeded int
	for res := range results {
		if res.Err != nil {
			if !errors.Is(res.Err, boom) {
				t.Errorf("task %d unexpected error: %v", res.Index, res.Err)
			}
			failed++
			continue
		}
		succeeded++
	}
	if failed != 4 || succeeded != 6 {
		t.Errorf("failed=%d succeeded=%d, want 4/6", failed, succeeded)
	}
}

func TestForEachLimitCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 10)

	results := ForEachLimit(ctx, 10, 2, func(ctx context.Context, i int) (int, error) {
		started <- struct{}{}
		<-ctx.Done()
		return i, ctx.Err()
	})

	<-started
	<-started
	cancel()

	canceled := 0
	for res := range results {
		if res.Err != nil && errors.Is(res.Err, context.Canceled) {
			canceled++
		}
	}
	if canceled != 10 {
		t.Errorf("canceled results = %d, want 10", canceled)
	}
}
