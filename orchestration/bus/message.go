// Package bus routes typed messages between agents and system components.
// Each recipient has a bounded priority inbox; delivery is FIFO per
// (sender, recipient) pair at equal priority, with backpressure signalling
// and synchronous rejection when an inbox is full.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/amas-ai/amas/orchestration/hierarchy"
)

// Kind tags the message payload variant. The bus routes by envelope
// metadata and never inspects payloads.
type Kind string

const (
	KindTaskAssignment   Kind = "task_assignment"
	KindTaskResult       Kind = "task_result"
	KindTaskStatusUpdate Kind = "task_status_update"
	KindHelpRequest      Kind = "help_request"
	KindHelpResponse     Kind = "help_response"
	KindContextShare     Kind = "context_share"
	KindEscalation       Kind = "escalation"
	KindHeartbeat        Kind = "heartbeat"
	KindBroadcast        Kind = "broadcast"
	KindControl          Kind = "control"
)

// critical kinds are admitted even when an inbox is over capacity, as long
// as their ttl has not expired.
func (k Kind) critical() bool {
	return k == KindControl || k == KindEscalation
}

// Recipient is the broadcast pseudo-recipient.
const Recipient = "broadcast"

// Message is the routed envelope.
type Message struct {
	ID            string        `json:"id"`
	Kind          Kind          `json:"kind"`
	Sender        string        `json:"sender"`
	Recipient     string        `json:"recipient"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Priority      int           `json:"priority"`
	CreatedAt     time.Time     `json:"created_at"`
	TTL           time.Duration `json:"ttl,omitempty"`
	WantReceipt   bool          `json:"want_receipt,omitempty"`
	Payload       any           `json:"payload,omitempty"`
}

// NewMessage builds an envelope with a fresh id and timestamp.
func NewMessage(kind Kind, sender, recipient string, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    sender,
		Recipient: recipient,
		CreatedAt: time.Now(),
		Payload:   payload,
	}
}

// Expired reports whether the message's ttl has elapsed at now.
func (m Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.CreatedAt) >= m.TTL
}

// DeliveryStatus is the synchronous result of Send.
type DeliveryStatus string

const (
	// Delivered means the message was enqueued.
	Delivered DeliveryStatus = "delivered"
	// Dropped means the message was discarded (ttl expired before enqueue).
	Dropped DeliveryStatus = "dropped"
	// Rejected means the recipient's inbox refused the message; the sender
	// learns synchronously and the message is not silently lost.
	Rejected DeliveryStatus = "rejected"
)

// SendResult reports the outcome of Send.
type SendResult struct {
	Status DeliveryStatus
	Reason string
}

// BroadcastSummary reports per-recipient outcomes of a broadcast.
type BroadcastSummary struct {
	Matched   int `json:"matched"`
	Delivered int `json:"delivered"`
	Rejected  int `json:"rejected"`
	Dropped   int `json:"dropped"`
}

// Filter selects broadcast recipients. Zero value matches everyone.
type Filter struct {
	Tier       hierarchy.Tier
	Capability hierarchy.Capability
}

// RecipientMeta describes a registered inbox owner for broadcast filtering.
type RecipientMeta struct {
	Tier         hierarchy.Tier
	Capabilities hierarchy.CapabilitySet
}

func (f Filter) matches(meta RecipientMeta) bool {
	if f.Tier != "" && meta.Tier != f.Tier {
		return false
	}
	if f.Capability != "" && !meta.Capabilities.Contains(f.Capability) {
		return false
	}
	return true
}

// ControlAction is the payload of Control messages.
type ControlAction struct {
	Action        string `json:"action"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ControlCancel asks the recipient to stop work on the correlated subtask.
const ControlCancel = "cancel"
