package invocations

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Admission is the process-wide concurrent-invocation limiter. It is
// admission control, not backpressure: at capacity, work is rejected
// outright rather than queued.
type Admission struct {
	sem   *semaphore.Weighted
	limit int64
}

func NewAdmission(limit int64) *Admission {
	if limit <= 0 {
		limit = 1
	}
	return &Admission{sem: semaphore.NewWeighted(limit), limit: limit}
}

// TryAcquire claims one invocation slot without blocking. The returned
// release is safe to call exactly once per successful acquire; a
// sync.Once guards against double release on tangled exit paths.
func (a *Admission) TryAcquire() (release func(), ok bool) {
	if !a.sem.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { a.sem.Release(1) })
	}, true
}

// Limit returns the configured slot count.
func (a *Admission) Limit() int64 { return a.limit }
