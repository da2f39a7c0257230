package download

import (
	"sync"
	"time"
)

// IDAllocator hands out time-derived session ids. Ids are strictly
// increasing within a process and skip anything reported as taken.
type IDAllocator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewIDAllocator(now func() time.Time) *IDAllocator {
	if now == nil {
		now = time.Now
	}
	return &IDAllocator{now: now}
}

// Next returns a fresh id for which taken reports false.
func (a *IDAllocator) Next(taken func(int64) bool) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.now().UnixMilli()
	if id <= a.last {
		id = a.last + 1
	}
	for taken != nil && taken(id) {
		id++
	}
	a.last = id
	return id
}

// Observe raises the floor so restored ids are never reissued.
func (a *IDAllocator) Observe(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id > a.last {
		a.last = id
	}
}
