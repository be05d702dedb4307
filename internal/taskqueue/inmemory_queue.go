package taskqueue

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	task      Task
	seq       int64
	visibleAt time.Time
	owner     string
}

// InMemoryQueue is a Queue kept in process memory. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     int64
	wake    chan struct{}
	now     func() time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		entries: make(map[string]*memEntry),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	t = prepare(t, q.now())
	q.seq++
	q.entries[t.ID] = &memEntry{task: t, seq: q.seq, visibleAt: t.NotBefore}
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		now := q.now()
		var best *memEntry
		for _, e := range q.entries {
			if e.visibleAt.After(now) {
				continue
			}
			if best == nil || e.visibleAt.Before(best.visibleAt) ||
				(e.visibleAt.Equal(best.visibleAt) && e.seq < best.seq) {
				best = e
			}
		}
		if best != nil {
			best.owner = owner
			best.visibleAt = now.Add(leaseTTL)
			t := best.task
			q.mu.Unlock()
			return &t, nil
		}
		q.mu.Unlock()

		tmr.Reset(defaultPollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

// leased returns the entry of taskID if owner holds its lease.
func (q *InMemoryQueue) leased(taskID, owner string) (*memEntry, error) {
	e, ok := q.entries[taskID]
	if !ok || e.owner == "" || e.owner != owner {
		return nil, ErrTaskNotLeased
	}
	return e, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.leased(taskID, owner); err != nil {
		return err
	}
	delete(q.entries, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	e, err := q.leased(taskID, owner)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	e.owner = ""
	e.visibleAt = notBefore
	e.task.NotBefore = notBefore
	e.task.Attempts = attempts
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(taskID, owner)
	if err != nil {
		return err
	}
	e.visibleAt = q.now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
