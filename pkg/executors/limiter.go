package executors

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// HostLimiter bounds the concurrent sessions opened against each host.
type HostLimiter struct {
	mu      sync.Mutex
	perHost int64
	hosts   map[string]*semaphore.Weighted
}

// NewHostLimiter creates a limiter allowing perHost sessions per host. A
// value below 1 allows one.
func NewHostLimiter(perHost int) *HostLimiter {
	if perHost < 1 {
		perHost = 1
	}
	return &HostLimiter{
		perHost: int64(perHost),
		hosts:   make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until a session slot for host is free or ctx is done.
// The returned function releases the slot.
func (l *HostLimiter) Acquire(ctx context.Context, host string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(l.perHost)
		l.hosts[host] = sem
	}
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
