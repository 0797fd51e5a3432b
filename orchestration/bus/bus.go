package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/amas-ai/amas/orchestration/metrics"
)

var (
	// ErrTimedOut is returned by Recv/Request when max_wait elapses.
	ErrTimedOut = errors.New("bus: timed out")
	// ErrCancelled is returned when the caller's context is cancelled.
	// No message is consumed.
	ErrCancelled = errors.New("bus: cancelled")
	// ErrUnknownRecipient is returned for unregistered inboxes.
	ErrUnknownRecipient = errors.New("bus: unknown recipient")
)

// Config configures the bus.
type Config struct {
	// InboxCapacity is the per-recipient queue bound.
	InboxCapacity int `validate:"min=1"`
	// BackpressureHighWatermark is the fill ratio that raises a
	// backpressure event.
	BackpressureHighWatermark float64 `validate:"gt=0,lte=1"`
}

// DefaultConfig returns the stock defaults.
func DefaultConfig() Config {
	return Config{
		InboxCapacity:             1024,
		BackpressureHighWatermark: 0.8,
	}
}

// Bus owns the per-recipient inboxes and the correlation waiters used by
// Request. The registry lock guards only inbox creation and lookup; each
// inbox synchronizes its own queue.
type Bus struct {
	cfg  Config
	sink *metrics.Sink

	mu      sync.RWMutex
	inboxes map[string]*inbox

	waiters  sync.Map // correlation id -> chan Message
	receipts sync.Map // message id -> *time.Timer
}

// New creates a bus. sink may be nil.
func New(cfg Config, sink *metrics.Sink) *Bus {
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = DefaultConfig().InboxCapacity
	}
	if cfg.BackpressureHighWatermark <= 0 || cfg.BackpressureHighWatermark > 1 {
		cfg.BackpressureHighWatermark = DefaultConfig().BackpressureHighWatermark
	}
	if sink == nil {
		sink = metrics.NewSink(metrics.Config{})
	}
	return &Bus{
		cfg:     cfg,
		sink:    sink,
		inboxes: make(map[string]*inbox),
	}
}

// Register creates an inbox for the recipient. Registering an existing
// recipient updates its broadcast metadata and keeps queued messages.
func (b *Bus) Register(recipientID string, meta RecipientMeta) {
	b.mu.Lock()
	if box, ok := b.inboxes[recipientID]; ok {
		box.mu.Lock()
		box.meta = meta
		box.mu.Unlock()
	} else {
		b.inboxes[recipientID] = newInbox(b.cfg.InboxCapacity, meta)
	}
	b.mu.Unlock()
}

// Unregister closes and removes the recipient's inbox.
func (b *Bus) Unregister(recipientID string) {
	b.mu.Lock()
	box, ok := b.inboxes[recipientID]
	delete(b.inboxes, recipientID)
	b.mu.Unlock()
	if ok {
		box.close()
	}
}

// Grow raises the capacity of every inbox. Capacity can be raised at
// runtime but never lowered.
func (b *Bus) Grow(capacity int) {
	b.mu.Lock()
	if capacity > b.cfg.InboxCapacity {
		b.cfg.InboxCapacity = capacity
	}
	boxes := make([]*inbox, 0, len(b.inboxes))
	for _, box := range b.inboxes {
		boxes = append(boxes, box)
	}
	b.mu.Unlock()
	for _, box := range boxes {
		box.grow(capacity)
	}
}

// Send enqueues the message to its recipient. The result is synchronous:
// Delivered, Dropped (ttl already expired), or Rejected (inbox full).
func (b *Bus) Send(msg Message) SendResult {
	// A response whose correlation id has a waiting Request is handed to
	// the waiter directly; Request composed the wait with Send.
	if msg.CorrelationID != "" && (msg.Kind == KindTaskResult || msg.Kind == KindHelpResponse) {
		if v, ok := b.waiters.Load(msg.CorrelationID); ok {
			select {
			case v.(chan Message) <- msg:
				b.sink.Inc("bus_delivered_total", 1, metrics.Labels{Component: "bus"})
				return SendResult{Status: Delivered}
			default:
				// Waiter already satisfied; fall through to the inbox.
			}
		}
	}

	b.mu.RLock()
	box, ok := b.inboxes[msg.Recipient]
	b.mu.RUnlock()
	if !ok {
		return SendResult{Status: Rejected, Reason: ErrUnknownRecipient.Error()}
	}

	result, crossed := box.push(msg, b.cfg.BackpressureHighWatermark)
	if crossed {
		slog.Warn("bus: inbox backpressure",
			"recipient", msg.Recipient,
			"depth", box.depth(),
			"capacity", b.cfg.InboxCapacity)
		b.sink.Inc("bus_backpressure_events_total", 1, metrics.Labels{Component: "bus", Agent: msg.Recipient})
	}

	switch result {
	case pushOK:
		b.trackReceipt(msg)
		b.sink.Inc("bus_delivered_total", 1, metrics.Labels{Component: "bus"})
		return SendResult{Status: Delivered}
	case pushExpired:
		b.sink.Inc("bus_dropped_total", 1, metrics.Labels{Component: "bus"})
		return SendResult{Status: Dropped, Reason: "ttl expired"}
	case pushClosed:
		return SendResult{Status: Rejected, Reason: "recipient unregistered"}
	default:
		b.sink.Inc("bus_rejected_total", 1, metrics.Labels{Component: "bus", Agent: msg.Recipient})
		return SendResult{Status: Rejected, Reason: "inbox full"}
	}
}

// Recv blocks until a message is available for the recipient, maxWait
// elapses (ErrTimedOut) or ctx is cancelled (ErrCancelled). Cancellation
// consumes no message. maxWait <= 0 means wait indefinitely.
func (b *Bus) Recv(ctx context.Context, recipientID string, maxWait time.Duration) (Message, error) {
	b.mu.RLock()
	box, ok := b.inboxes[recipientID]
	b.mu.RUnlock()
	if !ok {
		return Message{}, ErrUnknownRecipient
	}

	var deadline <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if msg, ok := box.pop(); ok {
			return msg, nil
		}
		box.mu.Lock()
		closed := box.closed
		box.mu.Unlock()
		if closed {
			return Message{}, ErrUnknownRecipient
		}

		select {
		case <-ctx.Done():
			return Message{}, ErrCancelled
		case <-deadline:
			return Message{}, ErrTimedOut
		case <-box.notify:
		}
	}
}

// Broadcast enqueues the message to every registered recipient matching the
// filter, excluding the sender. Partial failure is reported in the summary.
func (b *Bus) Broadcast(msg Message, filter Filter) BroadcastSummary {
	b.mu.RLock()
	targets := make(map[string]*inbox, len(b.inboxes))
	for id, box := range b.inboxes {
		if id == msg.Sender {
			continue
		}
		if filter.matches(box.meta) {
			targets[id] = box
		}
	}
	b.mu.RUnlock()

	var summary BroadcastSummary
	summary.Matched = len(targets)
	for id, box := range targets {
		m := msg
		m.Recipient = id
		result, crossed := box.push(m, b.cfg.BackpressureHighWatermark)
		if crossed {
			b.sink.Inc("bus_backpressure_events_total", 1, metrics.Labels{Component: "bus", Agent: id})
		}
		switch result {
		case pushOK:
			summary.Delivered++
		case pushExpired:
			summary.Dropped++
		default:
			summary.Rejected++
		}
	}
	return summary
}

// Request sends the message and awaits a TaskResult or HelpResponse with a
// matching correlation id. On timeout it returns ErrTimedOut; the pending
// wait is torn down either way.
func (b *Bus) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}

	ch := make(chan Message, 1)
	b.waiters.Store(msg.CorrelationID, ch)
	defer b.waiters.Delete(msg.CorrelationID)

	if result := b.Send(msg); result.Status != Delivered {
		return Message{}, errors.New("bus: request not delivered: " + result.Reason)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-deadline:
		return Message{}, ErrTimedOut
	case <-ctx.Done():
		return Message{}, ErrCancelled
	}
}

// Ack acknowledges receipt of a message whose sender requested one. Unacked
// receipts emit an Undelivered event when the message ttl lapses.
func (b *Bus) Ack(messageID string) {
	if v, ok := b.receipts.LoadAndDelete(messageID); ok {
		v.(*time.Timer).Stop()
	}
}

// DiscardCorrelated removes queued messages with the given correlation id
// from the recipient's inbox. Used to drop in-flight assignments after a
// subtask timeout or cancellation.
func (b *Bus) DiscardCorrelated(recipientID, correlationID string) int {
	b.mu.RLock()
	box, ok := b.inboxes[recipientID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return box.discard(func(m Message) bool { return m.CorrelationID == correlationID })
}

// Depth returns the recipient's current queue depth.
func (b *Bus) Depth(recipientID string) int {
	b.mu.RLock()
	box, ok := b.inboxes[recipientID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return box.depth()
}

func (b *Bus) trackReceipt(msg Message) {
	if !msg.WantReceipt || msg.TTL <= 0 {
		return
	}
	id := msg.ID
	timer := time.AfterFunc(msg.TTL, func() {
		if _, ok := b.receipts.LoadAndDelete(id); ok {
			slog.Warn("bus: delivery receipt expired",
				"message_id", id,
				"recipient", msg.Recipient,
				"kind", msg.Kind)
			b.sink.Inc("bus_undelivered_total", 1, metrics.Labels{Component: "bus", Agent: msg.Recipient})
		}
	})
	b.receipts.Store(id, timer)
}
