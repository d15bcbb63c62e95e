package utils

import "sync"

type CompletedTask[In any, Out any] struct {
	Input  In
	Result Out
	Error  error
}

// RunInPool applies worker to every input using at most maxWorkers goroutines.
// Results are returned in input order.
func RunInPool[In any, Out any](inputs []In, maxWorkers int, worker func(In) (Out, error)) []CompletedTask[In, Out] {
	completed := make([]CompletedTask[In, Out], len(inputs))
	if len(inputs) == 0 {
		return completed
	}

	queue := make(chan int, len(inputs))
	for i := range inputs {
		queue <- i
	}
	close(queue)

	workers := max(1, min(len(inputs), maxWorkers))

	wg := sync.WaitGroup{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()

			for idx := range queue {
				res, err := worker(inputs[idx])
				completed[idx] = CompletedTask[In, Out]{Input: inputs[idx], Result: res, Error: err}
			}
		}()
	}
	wg.Wait()

	return completed
}
