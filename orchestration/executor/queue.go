package executor

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// item is one schedulable unit on the ready queue.
type item struct {
	workflowID string
	subtaskID  string
	priority   int
	wfCreated  time.Time
	// selectFailures counts consecutive NoneAvailable re-queues, feeding
	// the starvation escalation.
	selectFailures int
	seq            uint64
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }

// Ordered by subtask priority desc, then workflow creation time asc, then
// arrival order for determinism.
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].wfCreated.Equal(h[j].wfCreated) {
		return h[i].wfCreated.Before(h[j].wfCreated)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// readyQueue is the executor's priority queue of dependency-satisfied
// subtasks. Its lock is never held across a suspension point; blocked Pop
// waits on a notify channel.
type readyQueue struct {
	mu      sync.Mutex
	heap    itemHeap
	nextSeq uint64
	notify  chan struct{}

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		notify: make(chan struct{}, 1),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Push enqueues the item immediately.
func (q *readyQueue) Push(it item) {
	q.mu.Lock()
	it.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PushAfter enqueues the item once delay elapses. Used for selection
// backoff so workers never sleep while holding the item.
func (q *readyQueue) PushAfter(it item, delay time.Duration) {
	if delay <= 0 {
		q.Push(it)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.timersMu.Lock()
		delete(q.timers, timer)
		q.timersMu.Unlock()
		q.Push(it)
	})
	q.timersMu.Lock()
	q.timers[timer] = struct{}{}
	q.timersMu.Unlock()
}

// Pop blocks until an item is available or ctx is cancelled.
func (q *readyQueue) Pop(ctx context.Context) (item, error) {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			it := heap.Pop(&q.heap).(item)
			more := len(q.heap) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return item{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// RemoveWorkflow drains every queued item of the workflow, returning the
// removed subtask ids. Pending backoff timers for other workflows are
// unaffected; re-pushed items of the removed workflow are filtered when
// popped (the executor checks workflow status).
func (q *readyQueue) RemoveWorkflow(workflowID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []string
	kept := q.heap[:0]
	for _, it := range q.heap {
		if it.workflowID == workflowID {
			removed = append(removed, it.subtaskID)
			continue
		}
		kept = append(kept, it)
	}
	q.heap = kept
	heap.Init(&q.heap)
	return removed
}

// Len returns the current queue depth (monitored, unbounded).
func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// StopTimers cancels pending backoff re-pushes at shutdown.
func (q *readyQueue) StopTimers() {
	q.timersMu.Lock()
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	q.timersMu.Unlock()
}
