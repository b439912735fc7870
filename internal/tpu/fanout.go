package tpu

import (
	"context"
	"sync"
)

// WorkerResult pairs a fan-out operation's value with its failure, if any,
// for one worker. Failures are data: a failed worker never aborts the batch.
type WorkerResult[T any] struct {
	Value T
	Err   error
}

// fanOut runs op once per worker, all in flight at once, and joins when
// every worker has settled. The result holds exactly one entry per worker.
// No in-flight bound: concurrency scales 1:1 with the worker count.
func fanOut[T any](ctx context.Context, workers []int, op func(ctx context.Context, worker int) (T, error)) map[int]WorkerResult[T] {
	results := make(map[int]WorkerResult[T], len(workers))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, w := range workers {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			v, err := op(ctx, worker)
			mu.Lock()
			results[worker] = WorkerResult[T]{Value: v, Err: err}
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	return results
}
