// Package expiry schedules one-shot evictions ordered by deadline.
//
// A Queue holds at most one deadline per key. Scheduling a key again replaces
// its deadline and cancelling removes it, so callers can turn an
// unconditional timeout into one that successful completion can revoke.
package expiry

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// idleWait bounds how long Run sleeps when the queue is empty.
const idleWait = time.Minute

// Func is invoked once for each key whose deadline has passed.
type Func func(key string)

// Queue is a min-heap of deadlines with a single background runner.
type Queue struct {
	mu       sync.Mutex
	items    entryHeap
	index    map[string]*entry
	onExpire Func
	now      func() time.Time
	wake     chan struct{}
}

type entry struct {
	key string
	at  time.Time
	pos int
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used by Run.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a Queue that calls onExpire for every key that comes due.
func New(onExpire Func, opts ...Option) *Queue {
	q := &Queue{
		index:    make(map[string]*entry),
		onExpire: onExpire,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Schedule sets the deadline for key, replacing any earlier one.
func (q *Queue) Schedule(key string, at time.Time) {
	q.mu.Lock()
	if e, ok := q.index[key]; ok {
		e.at = at
		heap.Fix(&q.items, e.pos)
	} else {
		e := &entry{key: key, at: at}
		heap.Push(&q.items, e)
		q.index[key] = e
	}
	q.mu.Unlock()
	q.signal()
}

// Cancel removes the pending deadline for key. It reports whether one existed.
func (q *Queue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[key]
	if !ok {
		return false
	}
	heap.Remove(&q.items, e.pos)
	delete(q.index, key)
	return true
}

// Deadline returns the pending deadline for key.
func (q *Queue) Deadline(key string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[key]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Len returns the number of pending deadlines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Expire pops every entry due at or before now and invokes the callback for
// each, outside the queue lock. It returns the number of expired keys.
func (q *Queue) Expire(now time.Time) int {
	var due []string
	q.mu.Lock()
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		e := heap.Pop(&q.items).(*entry)
		delete(q.index, e.key)
		due = append(due, e.key)
	}
	q.mu.Unlock()

	if q.onExpire != nil {
		for _, key := range due {
			q.onExpire(key)
		}
	}
	return len(due)
}

// Run expires entries as they come due until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		q.Expire(q.now())

		timer := time.NewTimer(q.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *Queue) nextWait() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return idleWait
	}
	wait := q.items[0].at.Sub(q.now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
