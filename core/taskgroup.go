package core

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// TaskResult is the outcome of one task in a bounded fan-out. Err is
// per-task: one failed task never affects its siblings.
type TaskResult[T any] struct {
	Index int
	Value T
	Err   error
}

// ForEachLimit runs task for every index in [0, n) with at most limit
// tasks in flight, delivering results on the returned channel as they
// complete. The channel closes after all n results have been delivered.
// Cancellation of ctx makes not-yet-admitted tasks fail with the
// context's error; already-running tasks finish on their own.
func ForEachLimit[T any](ctx context.Context, n, limit int, task func(ctx context.Context, i int) (T, error)) <-chan TaskResult[T] {
	if limit <= 0 || limit > n {
		limit = n
	}
	sem := semaphore.NewWeighted(int64(limit))
	results := make(chan TaskResult[T], n)

	go func() {
		defer close(results)
		inner := make(chan TaskResult[T], n)

		for i := 0; i < n; i++ {
			go func(i int) {
				if err := sem.Acquire(ctx, 1); err != nil {
					inner <- TaskResult[T]{Index: i, Err: err}
					return
				}
				defer sem.Release(1)
				v, err := task(ctx, i)
				inner <- TaskResult[T]{Index: i, Value: v, Err: err}
			}(i)
		}

		for pending := n; pending > 0; pending-- {
			results <- <-inner
		}
	}()

	return results
}
