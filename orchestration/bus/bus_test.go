package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amas-ai/amas/orchestration/hierarchy"
	"github.com/amas-ai/amas/orchestration/metrics"
)

func newTestBus(capacity int) *Bus {
	return New(Config{InboxCapacity: capacity, BackpressureHighWatermark: 0.8}, nil)
}

func mustRecv(t *testing.T, b *Bus, recipient string) Message {
	t.Helper()
	msg, err := b.Recv(context.Background(), recipient, time.Second)
	require.NoError(t, err)
	return msg
}

func TestSendToUnknownRecipientRejected(t *testing.T) {
	b := newTestBus(8)
	result := b.Send(NewMessage(KindTaskAssignment, "exec", "ghost", nil))
	assert.Equal(t, Rejected, result.Status)
	assert.Equal(t, ErrUnknownRecipient.Error(), result.Reason)
}

func TestSendAndRecvRoundTrip(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})

	sent := NewMessage(KindTaskAssignment, "exec", "worker", "payload")
	require.Equal(t, Delivered, b.Send(sent).Status)

	got := mustRecv(t, b, "worker")
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "payload", got.Payload)
	assert.Equal(t, 0, b.Depth("worker"))
}

func TestRecvOrdersByPriorityThenFIFO(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})

	now := time.Now()
	send := func(id string, priority int) {
		msg := NewMessage(KindTaskAssignment, "exec", "worker", nil)
		msg.ID = id
		msg.Priority = priority
		msg.CreatedAt = now
		require.Equal(t, Delivered, b.Send(msg).Status)
	}
	send("low_1", 1)
	send("high", 5)
	send("low_2", 1)

	assert.Equal(t, "high", mustRecv(t, b, "worker").ID)
	assert.Equal(t, "low_1", mustRecv(t, b, "worker").ID, "equal priority is FIFO")
	assert.Equal(t, "low_2", mustRecv(t, b, "worker").ID)
}

func TestFullInboxRejectsButAdmitsCriticalKinds(t *testing.T) {
	b := newTestBus(2)
	b.Register("worker", RecipientMeta{})

	require.Equal(t, Delivered, b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil)).Status)
	require.Equal(t, Delivered, b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil)).Status)

	result := b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil))
	assert.Equal(t, Rejected, result.Status)
	assert.Equal(t, "inbox full", result.Reason)

	// Control and escalation bypass the capacity bound.
	assert.Equal(t, Delivered, b.Send(NewMessage(KindControl, "exec", "worker", ControlAction{Action: ControlCancel})).Status)
	assert.Equal(t, Delivered, b.Send(NewMessage(KindEscalation, "exec", "worker", nil)).Status)
	assert.Equal(t, 4, b.Depth("worker"))
}

func TestExpiredTTLDroppedAtSend(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})

	msg := NewMessage(KindTaskAssignment, "exec", "worker", nil)
	msg.CreatedAt = time.Now().Add(-time.Minute)
	msg.TTL = time.Second

	result := b.Send(msg)
	assert.Equal(t, Dropped, result.Status)
	assert.Equal(t, 0, b.Depth("worker"))
}

func TestExpiredTTLSkippedAtRecv(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})

	stale := NewMessage(KindTaskAssignment, "exec", "worker", nil)
	stale.TTL = 10 * time.Millisecond
	require.Equal(t, Delivered, b.Send(stale).Status)
	fresh := NewMessage(KindTaskAssignment, "exec", "worker", nil)
	require.Equal(t, Delivered, b.Send(fresh).Status)

	time.Sleep(30 * time.Millisecond)
	got := mustRecv(t, b, "worker")
	assert.Equal(t, fresh.ID, got.ID, "expired messages are skipped, not delivered")
}

func TestRecvTimesOut(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})

	_, err := b.Recv(context.Background(), "worker", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestRecvCancelledConsumesNothing(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Recv(ctx, "worker", time.Minute)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("recv did not observe cancellation")
	}

	// The inbox is untouched: a later message is still deliverable.
	require.Equal(t, Delivered, b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil)).Status)
	mustRecv(t, b, "worker")
}

func TestRecvWakesOnArrival(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil))
	}()

	start := time.Now()
	_, err := b.Recv(context.Background(), "worker", 2*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBroadcastFiltersByTierAndExcludesSender(t *testing.T) {
	b := newTestBus(8)
	b.Register("exec_1", RecipientMeta{Tier: hierarchy.TierExecutive})
	b.Register("exec_2", RecipientMeta{Tier: hierarchy.TierExecutive})
	b.Register("spec_1", RecipientMeta{Tier: hierarchy.TierSpecialist})

	msg := NewMessage(KindEscalation, "exec_1", Recipient, "trouble")
	summary := b.Broadcast(msg, Filter{Tier: hierarchy.TierExecutive})

	assert.Equal(t, 1, summary.Matched, "sender excluded, specialist filtered out")
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, 1, b.Depth("exec_2"))
	assert.Equal(t, 0, b.Depth("exec_1"))
	assert.Equal(t, 0, b.Depth("spec_1"))
}

func TestBroadcastFiltersByCapability(t *testing.T) {
	b := newTestBus(8)
	b.Register("coder", RecipientMeta{Capabilities: hierarchy.NewCapabilitySet("coding")})
	b.Register("writer", RecipientMeta{Capabilities: hierarchy.NewCapabilitySet("writing")})

	summary := b.Broadcast(NewMessage(KindContextShare, "exec", Recipient, nil), Filter{Capability: "coding"})
	assert.Equal(t, 1, summary.Matched)
	assert.Equal(t, 1, b.Depth("coder"))
	assert.Equal(t, 0, b.Depth("writer"))
}

func TestRequestCorrelatesReply(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})

	go func() {
		assignment, err := b.Recv(context.Background(), "worker", time.Second)
		if err != nil {
			return
		}
		reply := NewMessage(KindTaskResult, "worker", assignment.Sender, TaskResultPayload{SubtaskID: "st_1", Quality: 0.9})
		reply.CorrelationID = assignment.CorrelationID
		b.Send(reply)
	}()

	req := NewMessage(KindTaskAssignment, "exec", "worker", nil)
	req.CorrelationID = "st_1"
	reply, err := b.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindTaskResult, reply.Kind)
	assert.Equal(t, "st_1", reply.CorrelationID)
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})

	req := NewMessage(KindTaskAssignment, "exec", "worker", nil)
	_, err := b.Request(context.Background(), req, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestRequestFailsFastOnUndeliverable(t *testing.T) {
	b := newTestBus(8)
	req := NewMessage(KindTaskAssignment, "exec", "ghost", nil)
	_, err := b.Request(context.Background(), req, time.Second)
	assert.Error(t, err)
}

func TestDiscardCorrelatedRemovesQueuedAssignments(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})

	stale := NewMessage(KindTaskAssignment, "exec", "worker", nil)
	stale.CorrelationID = "st_1"
	require.Equal(t, Delivered, b.Send(stale).Status)
	keep := NewMessage(KindTaskAssignment, "exec", "worker", nil)
	keep.CorrelationID = "st_2"
	require.Equal(t, Delivered, b.Send(keep).Status)

	removed := b.DiscardCorrelated("worker", "st_1")
	assert.Equal(t, 1, removed)

	got := mustRecv(t, b, "worker")
	assert.Equal(t, "st_2", got.CorrelationID)
}

func TestUnregisterClosesInbox(t *testing.T) {
	b := newTestBus(8)
	b.Register("worker", RecipientMeta{})
	b.Unregister("worker")

	assert.Equal(t, Rejected, b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil)).Status)
	_, err := b.Recv(context.Background(), "worker", time.Second)
	assert.ErrorIs(t, err, ErrUnknownRecipient)
}

func TestGrowRaisesCapacity(t *testing.T) {
	b := newTestBus(1)
	b.Register("worker", RecipientMeta{})

	require.Equal(t, Delivered, b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil)).Status)
	require.Equal(t, Rejected, b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil)).Status)

	b.Grow(4)
	assert.Equal(t, Delivered, b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil)).Status)

	// Capacity is never lowered.
	b.Grow(1)
	assert.Equal(t, Delivered, b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil)).Status)
}

func TestBackpressureEventEmittedOnce(t *testing.T) {
	sink := metrics.NewSink(metrics.Config{})
	b := New(Config{InboxCapacity: 10, BackpressureHighWatermark: 0.5}, sink)
	b.Register("worker", RecipientMeta{})

	for i := 0; i < 8; i++ {
		require.Equal(t, Delivered, b.Send(NewMessage(KindTaskAssignment, "exec", "worker", nil)).Status)
	}

	snap := sink.Snapshot(0)
	assert.Equal(t, 1.0, snap.Counters["bus_backpressure_events_total,component=bus,agent=worker"],
		"the event latches until the level drops")
}

func TestUnackedReceiptEmitsUndelivered(t *testing.T) {
	sink := metrics.NewSink(metrics.Config{})
	b := New(DefaultConfig(), sink)
	b.Register("worker", RecipientMeta{})

	acked := NewMessage(KindTaskAssignment, "exec", "worker", nil)
	acked.WantReceipt = true
	acked.TTL = 30 * time.Millisecond
	require.Equal(t, Delivered, b.Send(acked).Status)
	b.Ack(acked.ID)

	ignored := NewMessage(KindTaskAssignment, "exec", "worker", nil)
	ignored.WantReceipt = true
	ignored.TTL = 30 * time.Millisecond
	require.Equal(t, Delivered, b.Send(ignored).Status)

	time.Sleep(100 * time.Millisecond)
	snap := sink.Snapshot(0)
	assert.Equal(t, 1.0, snap.Counters["bus_undelivered_total,component=bus,agent=worker"],
		"only the unacked receipt expires")
}
