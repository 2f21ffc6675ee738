// Package fanout wakes long-poll waiters and pushes live frames to
// event-stream subscribers.
package fanout

import (
	"math/rand"
	"sync"
	"time"
)

// DefaultStagger spreads waiter wakeups to desynchronize reconnection
// bursts after an append.
const DefaultStagger = 100 * time.Millisecond

// LongPollTimeout is how long a waiter parks before resolving empty.
const LongPollTimeout = 4 * time.Second

// Waiter is one parked long-poll request. Woken is closed when new
// data past NotifyOffset commits; the caller races it against its own
// timeout and the request context.
type Waiter struct {
	URL          string
	NotifyOffset int64
	ArrivedAt    time.Time
	Woken        chan struct{}

	once sync.Once
}

func (w *Waiter) wake() {
	w.once.Do(func() { close(w.Woken) })
}

// Queue is an ordered set of long-poll waiters for one stream.
type Queue struct {
	mu      sync.Mutex
	stagger time.Duration
	waiters map[*Waiter]struct{}
}

// NewQueue uses DefaultStagger when stagger is zero.
func NewQueue(stagger time.Duration) *Queue {
	if stagger == 0 {
		stagger = DefaultStagger
	}
	return &Queue{stagger: stagger, waiters: make(map[*Waiter]struct{})}
}

// Add enrolls a waiter that wants to hear about offsets past
// notifyOffset.
func (q *Queue) Add(url string, notifyOffset int64) *Waiter {
	w := &Waiter{
		URL:          url,
		NotifyOffset: notifyOffset,
		ArrivedAt:    time.Now(),
		Woken:        make(chan struct{}),
	}
	q.mu.Lock()
	q.waiters[w] = struct{}{}
	q.mu.Unlock()
	return w
}

// Remove drops a waiter that resolved on its own (timeout or client
// disconnect).
func (q *Queue) Remove(w *Waiter) {
	q.mu.Lock()
	delete(q.waiters, w)
	q.mu.Unlock()
}

// Snapshot returns the currently parked waiters.
func (q *Queue) Snapshot() []*Waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Waiter, 0, len(q.waiters))
	for w := range q.waiters {
		out = append(out, w)
	}
	return out
}

// NotifyOffset wakes every waiter whose NotifyOffset is below newTail,
// each after a random delay within the stagger window.
func (q *Queue) NotifyOffset(newTail int64) {
	q.mu.Lock()
	var due []*Waiter
	for w := range q.waiters {
		if w.NotifyOffset < newTail {
			due = append(due, w)
			delete(q.waiters, w)
		}
	}
	q.mu.Unlock()

	for _, w := range due {
		w := w
		delay := time.Duration(rand.Int63n(int64(q.stagger) + 1))
		time.AfterFunc(delay, w.wake)
	}
}

// WakeAll releases every waiter immediately, used on close and delete.
func (q *Queue) WakeAll() {
	q.mu.Lock()
	due := make([]*Waiter, 0, len(q.waiters))
	for w := range q.waiters {
		due = append(due, w)
		delete(q.waiters, w)
	}
	q.mu.Unlock()
	for _, w := range due {
		w.wake()
	}
}

// Len reports the number of parked waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
