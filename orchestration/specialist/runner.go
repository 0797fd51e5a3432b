// Package specialist runs the agent side of the assignment protocol: a
// receive loop that executes handler callbacks, reports results over the
// bus, honors cancel controls and emits heartbeats.
package specialist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/amas-ai/amas/orchestration/bus"
	"github.com/amas-ai/amas/orchestration/hierarchy"
)

// ErrTransient marks a handler failure as retryable. Handlers wrap
// retryable errors with it; everything else is reported permanent.
var ErrTransient = errors.New("transient failure")

// Handler executes one assignment. The context is cancelled when the
// orchestrator sends a cancel control for the subtask.
type Handler func(ctx context.Context, assignment bus.TaskAssignmentPayload) (bus.TaskResultPayload, error)

// Heartbeater receives liveness signals. The hierarchy manager implements
// it.
type Heartbeater interface {
	Heartbeat(agentID string, at time.Time) error
}

// Config configures a runner.
type Config struct {
	// HeartbeatEvery is the liveness signal period. Must beat the
	// manager's stale threshold.
	HeartbeatEvery time.Duration `validate:"gt=0"`
}

// DefaultConfig returns a period of one third of the default stale window.
func DefaultConfig() Config {
	return Config{HeartbeatEvery: 30 * time.Second}
}

// Runner drives one registered agent. The agent id must already be
// registered with the hierarchy manager; Start registers the bus inbox.
type Runner struct {
	cfg     Config
	agentID string
	meta    bus.RecipientMeta
	bus     *bus.Bus
	beats   Heartbeater
	handler Handler

	mu     sync.Mutex
	active map[string]context.CancelFunc // subtask id -> cancel

	done chan struct{}
}

// NewRunner creates a runner for the agent.
func NewRunner(cfg Config, agentID string, tier hierarchy.Tier, caps hierarchy.CapabilitySet, b *bus.Bus, beats Heartbeater, handler Handler) *Runner {
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = DefaultConfig().HeartbeatEvery
	}
	return &Runner{
		cfg:     cfg,
		agentID: agentID,
		meta:    bus.RecipientMeta{Tier: tier, Capabilities: caps},
		bus:     b,
		beats:   beats,
		handler: handler,
		active:  make(map[string]context.CancelFunc),
	}
}

// Start registers the inbox and launches the receive and heartbeat loops.
func (r *Runner) Start(ctx context.Context) {
	r.bus.Register(r.agentID, r.meta)
	r.done = make(chan struct{})
	go r.heartbeatLoop(ctx)
	go r.recvLoop(ctx)
}

// Stop unregisters the inbox. In-flight handlers are cancelled.
func (r *Runner) Stop() {
	r.bus.Unregister(r.agentID)
	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()
	if r.done != nil {
		<-r.done
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := r.beats.Heartbeat(r.agentID, now); err != nil {
				slog.Warn("specialist: heartbeat rejected", "agent_id", r.agentID, "error", err)
			}
		}
	}
}

func (r *Runner) recvLoop(ctx context.Context) {
	defer close(r.done)
	for {
		msg, err := r.bus.Recv(ctx, r.agentID, 0)
		if err != nil {
			return
		}
		r.bus.Ack(msg.ID)

		switch msg.Kind {
		case bus.KindTaskAssignment:
			assignment, ok := msg.Payload.(bus.TaskAssignmentPayload)
			if !ok {
				slog.Warn("specialist: malformed assignment", "agent_id", r.agentID, "message_id", msg.ID)
				continue
			}
			go r.execute(ctx, msg, assignment)
		case bus.KindControl:
			r.handleControl(msg)
		case bus.KindBroadcast, bus.KindContextShare, bus.KindEscalation:
			// Informational; nothing to do for a bare runner.
		}
	}
}

func (r *Runner) handleControl(msg bus.Message) {
	action, ok := msg.Payload.(bus.ControlAction)
	if !ok || action.Action != bus.ControlCancel {
		return
	}
	r.mu.Lock()
	cancel, ok := r.active[action.CorrelationID]
	r.mu.Unlock()
	if ok {
		slog.Info("specialist: cancelling subtask",
			"agent_id", r.agentID,
			"subtask_id", action.CorrelationID,
			"reason", action.Reason)
		cancel()
	}
}

// execute runs the handler and reports the result with the assignment's
// correlation id so the executor's pending request is satisfied.
func (r *Runner) execute(ctx context.Context, msg bus.Message, assignment bus.TaskAssignmentPayload) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.active[assignment.SubtaskID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.active, assignment.SubtaskID)
		r.mu.Unlock()
	}()

	start := time.Now()
	result, err := r.handler(ctx, assignment)
	result.SubtaskID = assignment.SubtaskID
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	if err != nil {
		result.Err = err.Error()
		result.Transient = errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
	}
	if ctx.Err() != nil && err == nil {
		// Cancelled mid-flight with a partial success; report it anyway,
		// the executor decides whether it still counts.
		slog.Debug("specialist: finished after cancel", "agent_id", r.agentID, "subtask_id", assignment.SubtaskID)
	}

	reply := bus.NewMessage(bus.KindTaskResult, r.agentID, msg.Sender, result)
	reply.CorrelationID = msg.CorrelationID
	reply.Priority = msg.Priority
	if sent := r.bus.Send(reply); sent.Status != bus.Delivered {
		slog.Warn("specialist: result not delivered",
			"agent_id", r.agentID,
			"subtask_id", assignment.SubtaskID,
			"status", sent.Status,
			"reason", sent.Reason)
	}
}
