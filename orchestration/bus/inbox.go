package bus

import (
	"container/heap"
	"sync"
	"time"
)

// entry pairs a message with its inbox-assigned sequence number. Sequence
// numbers are allocated under the inbox lock, so two messages from the same
// sender enqueue in arrival order and equal-priority delivery follows
// (created-at asc, seq asc), which keeps delivery FIFO per sender pair.
type entry struct {
	msg Message
	seq uint64
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	if !h[i].msg.CreatedAt.Equal(h[j].msg.CreatedAt) {
		return h[i].msg.CreatedAt.Before(h[j].msg.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// inbox is one recipient's bounded priority queue. Each inbox has its own
// lock; there is no global bus lock on the delivery path.
type inbox struct {
	mu       sync.Mutex
	heap     entryHeap
	nextSeq  uint64
	capacity int
	meta     RecipientMeta
	closed   bool

	// notify wakes at most one blocked Recv per signal.
	notify chan struct{}

	// pressured latches the backpressure event until the level drops.
	pressured bool
}

func newInbox(capacity int, meta RecipientMeta) *inbox {
	return &inbox{
		capacity: capacity,
		meta:     meta,
		notify:   make(chan struct{}, 1),
	}
}

type pushResult int

const (
	pushOK pushResult = iota
	pushFull
	pushExpired
	pushClosed
)

// push enqueues respecting capacity policy: critical kinds bypass the
// capacity limit, everything else is rejected at 100%. The second return
// reports whether this push crossed the backpressure watermark.
func (b *inbox) push(msg Message, highWatermark float64) (pushResult, bool) {
	now := time.Now()
	if msg.Expired(now) {
		return pushExpired, false
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return pushClosed, false
	}
	if len(b.heap) >= b.capacity && !msg.Kind.critical() {
		b.mu.Unlock()
		return pushFull, false
	}

	heap.Push(&b.heap, entry{msg: msg, seq: b.nextSeq})
	b.nextSeq++

	crossed := false
	level := float64(len(b.heap)) / float64(b.capacity)
	if level >= highWatermark && !b.pressured {
		b.pressured = true
		crossed = true
	} else if level < highWatermark {
		b.pressured = false
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return pushOK, crossed
}

// pop returns the highest-priority, oldest message, skipping any whose ttl
// has expired while queued. ok is false when the inbox is empty.
func (b *inbox) pop() (Message, bool) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.heap) > 0 {
		e := heap.Pop(&b.heap).(entry)
		if e.msg.Expired(now) {
			continue
		}
		if len(b.heap) > 0 {
			// More messages remain; keep a wakeup pending for other readers.
			select {
			case b.notify <- struct{}{}:
			default:
			}
		}
		return e.msg, true
	}
	return Message{}, false
}

// discard removes queued messages matching the predicate.
func (b *inbox) discard(match func(Message) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.heap[:0]
	removed := 0
	for _, e := range b.heap {
		if match(e.msg) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	b.heap = kept
	heap.Init(&b.heap)
	return removed
}

func (b *inbox) depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.heap)
}

// grow raises the inbox capacity. Capacity is never lowered.
func (b *inbox) grow(capacity int) {
	b.mu.Lock()
	if capacity > b.capacity {
		b.capacity = capacity
	}
	b.mu.Unlock()
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.heap = nil
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
