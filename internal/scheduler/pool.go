package scheduler

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent task dispatch globally and per capability.
type Pool struct {
	global *semaphore.Weighted
	size   int

	mu     sync.Mutex
	quotas map[string]*semaphore.Weighted
	limits map[string]int
	busy   int
}

// NewPool returns a pool with size global slots. A capability with a
// positive quota gets its own limit on top of the global one.
func NewPool(size int, quotas map[string]int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		global: semaphore.NewWeighted(int64(size)),
		size:   size,
		quotas: make(map[string]*semaphore.Weighted),
		limits: make(map[string]int),
	}
	for name, q := range quotas {
		if q > 0 {
			p.quotas[name] = semaphore.NewWeighted(int64(q))
			p.limits[name] = q
		}
	}
	return p
}

// TryAcquire takes a slot for a task using capability without blocking.
// The returned release func must be called exactly once when ok is true.
func (p *Pool) TryAcquire(capability string) (release func(), ok bool) {
	p.mu.Lock()
	quota := p.quotas[capability]
	p.mu.Unlock()

	if quota != nil && !quota.TryAcquire(1) {
		return nil, false
	}
	if !p.global.TryAcquire(1) {
		if quota != nil {
			quota.Release(1)
		}
		return nil, false
	}
	p.mu.Lock()
	p.busy++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.global.Release(1)
			if quota != nil {
				quota.Release(1)
			}
			p.mu.Lock()
			p.busy--
			p.mu.Unlock()
		})
	}, true
}

func (p *Pool) Size() int { return p.size }

// Busy returns the number of slots currently held.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}
