package testutil

import (
	"sync"
	"testing"
)

// Stampede starts n goroutines that all block on a shared gate, releases them
// at once, and returns every result once they have all returned. Results are
// in goroutine order.
func Stampede[R any](t testing.TB, n int, fn func(i int) R) []R {
	t.Helper()

	var (
		gate    = make(chan struct{})
		ready   sync.WaitGroup
		done    sync.WaitGroup
		results = make([]R, n)
	)
	ready.Add(n)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer done.Done()
			ready.Done()
			<-gate
			results[i] = fn(i)
		}()
	}
	ready.Wait()
	close(gate)
	done.Wait()
	return results
}
