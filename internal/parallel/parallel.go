package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

var maxWorkers atomic.Int64

// SetMaxWorkers caps the goroutines used by For. Values below 1 restore the
// default of GOMAXPROCS.
func SetMaxWorkers(n int) {
	if n < 1 {
		n = 0
	}
	maxWorkers.Store(int64(n))
}

// Workers reports how many goroutines For may use.
func Workers() int {
	workers := runtime.GOMAXPROCS(0)
	if limit := int(maxWorkers.Load()); limit > 0 && limit < workers {
		workers = limit
	}
	return workers
}

// For splits [0, n) into contiguous chunks and runs fn on each concurrently.
// Chunks never overlap, so fn can write to disjoint slices without locking.
func For(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := Workers()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
