package retry

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore bounds concurrency to a fixed number of permits. Waiters are
// served in FIFO order, so sustained load cannot starve early arrivals.
type Semaphore struct {
	sem *semaphore.Weighted
}

func NewSemaphore(permits int) *Semaphore {
	if permits <= 0 {
		permits = 1
	}
	return &Semaphore{sem: semaphore.NewWeighted(int64(permits))}
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// TryAcquire grabs a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	return s.sem.TryAcquire(1)
}

// Release returns a permit, waking the longest-waiting acquirer.
func (s *Semaphore) Release() {
	s.sem.Release(1)
}
