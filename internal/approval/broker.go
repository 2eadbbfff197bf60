// Package approval correlates approval requests emitted by a session with
// resolutions from the UI or from the default policy. Every registered
// request reaches exactly one resolution, and reaches it within the lifetime
// of the turn that raised it.
package approval

import (
	"context"
	"sync"
	"time"

	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

// DeliverFunc sends a resolution down the owning transport. Delivery failure
// is reported, not retried; the originating turn is already void when the
// transport is gone.
type DeliverFunc func(schema.ApprovalResolution) error

// Policy maps approval kinds to the decision applied when no explicit answer
// can be obtained. The table is safety-biased: read-only kinds are approved,
// anything that mutates state or executes code is denied, unknown kinds are
// denied.
type Policy map[schema.ApprovalKind]schema.ApprovalDecision

// DefaultPolicy returns the documented default-decision table.
func DefaultPolicy() Policy {
	return Policy{
		schema.ApprovalReadFile:    schema.DecisionApprove,
		schema.ApprovalListDir:     schema.DecisionApprove,
		schema.ApprovalExecCommand: schema.DecisionDeny,
		schema.ApprovalWriteFile:   schema.DecisionDeny,
		schema.ApprovalApplyPatch:  schema.DecisionDeny,
		schema.ApprovalNetwork:     schema.DecisionDeny,
		schema.ApprovalUnknown:     schema.DecisionDeny,
	}
}

// WithOverrides returns the default policy with per-kind overrides applied.
func WithOverrides(overrides map[schema.ApprovalKind]schema.ApprovalDecision) Policy {
	policy := DefaultPolicy()
	for kind, decision := range overrides {
		policy[kind] = decision
	}
	return policy
}

// Decision returns the default decision for a kind.
func (p Policy) Decision(kind schema.ApprovalKind) schema.ApprovalDecision {
	if decision, ok := p[kind]; ok {
		return decision
	}
	return schema.DecisionDeny
}

type pending struct {
	req     schema.ApprovalRequest
	deliver DeliverFunc
	timer   *time.Timer
}

// Broker tracks open approval requests per thread. It holds lookup-only
// references keyed by request id; ownership of turns stays with the service.
type Broker struct {
	mu       sync.Mutex
	pending  map[schema.RequestID]*pending
	byThread map[schema.ThreadID]map[schema.RequestID]struct{}
	policy   Policy
	deadline time.Duration
	log      pslog.Logger
	// onResolve is invoked after a resolution is recorded, outside the lock.
	onResolve func(schema.ApprovalRequest, schema.ApprovalResolution)
}

// Config controls broker behavior.
type Config struct {
	Policy Policy
	// Deadline resolves unanswered requests with the policy default after
	// this duration. Zero disables the deadline.
	Deadline time.Duration
	// OnResolve observes every resolution (explicit, default, or deadline).
	OnResolve func(schema.ApprovalRequest, schema.ApprovalResolution)
	Logger    pslog.Logger
}

// New constructs a Broker.
func New(cfg Config) *Broker {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.Ctx(context.Background())
	}
	return &Broker{
		pending:   make(map[schema.RequestID]*pending),
		byThread:  make(map[schema.ThreadID]map[schema.RequestID]struct{}),
		policy:    cfg.Policy,
		deadline:  cfg.Deadline,
		log:       cfg.Logger,
		onResolve: cfg.OnResolve,
	}
}

// Register tracks a new approval request. If a deadline is configured the
// request auto-resolves with the policy default when it expires.
func (b *Broker) Register(req schema.ApprovalRequest, deliver DeliverFunc) {
	b.mu.Lock()
	entry := &pending{req: req, deliver: deliver}
	b.pending[req.ID] = entry
	threadSet := b.byThread[req.ThreadID]
	if threadSet == nil {
		threadSet = make(map[schema.RequestID]struct{})
		b.byThread[req.ThreadID] = threadSet
	}
	threadSet[req.ID] = struct{}{}
	if b.deadline > 0 {
		id := req.ID
		entry.timer = time.AfterFunc(b.deadline, func() {
			if _, err := b.AutoResolve(id, "deadline expired"); err == nil {
				b.log.Warn("approval deadline expired", "request", id, "thread", req.ThreadID)
			}
		})
	}
	b.mu.Unlock()
	b.log.Debug("approval registered", "request", req.ID, "thread", req.ThreadID, "kind", req.Kind, "implicit", req.Implicit)
}

// Resolve records an explicit decision for a request. Resolving an unknown
// or already-resolved request returns ErrApprovalNotFound.
func (b *Broker) Resolve(id schema.RequestID, decision schema.ApprovalDecision) (schema.ApprovalResolution, error) {
	return b.resolve(id, schema.ApprovalResolution{ID: id, Decision: decision})
}

// AutoResolve applies the default policy decision to a request. Used for
// deadline expiry and for request kinds the consumer surface cannot
// represent; the resolution is still delivered down the transport so the
// agent process never blocks on input.
func (b *Broker) AutoResolve(id schema.RequestID, reason string) (schema.ApprovalResolution, error) {
	b.mu.Lock()
	entry, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return schema.ApprovalResolution{}, schema.ErrApprovalNotFound
	}
	return b.resolve(id, schema.ApprovalResolution{
		ID:       id,
		Decision: b.policy.Decision(entry.req.Kind),
		Auto:     true,
		Reason:   reason,
	})
}

// ResolveThread auto-resolves every request still open for a thread. Called
// when a turn ends so no request outlives its turn.
func (b *Broker) ResolveThread(threadID schema.ThreadID, reason string) []schema.ApprovalResolution {
	b.mu.Lock()
	ids := make([]schema.RequestID, 0, len(b.byThread[threadID]))
	for id := range b.byThread[threadID] {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	resolutions := make([]schema.ApprovalResolution, 0, len(ids))
	for _, id := range ids {
		resolution, err := b.AutoResolve(id, reason)
		if err != nil {
			continue
		}
		resolutions = append(resolutions, resolution)
	}
	return resolutions
}

// PendingFor reports the open request ids for a thread.
func (b *Broker) PendingFor(threadID schema.ThreadID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byThread[threadID])
}

// Lookup returns the request payload for an open request id.
func (b *Broker) Lookup(id schema.RequestID) (schema.ApprovalRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[id]
	if !ok {
		return schema.ApprovalRequest{}, false
	}
	return entry.req, true
}

func (b *Broker) resolve(id schema.RequestID, resolution schema.ApprovalResolution) (schema.ApprovalResolution, error) {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return schema.ApprovalResolution{}, schema.ErrApprovalNotFound
	}
	delete(b.pending, id)
	if threadSet := b.byThread[entry.req.ThreadID]; threadSet != nil {
		delete(threadSet, id)
		if len(threadSet) == 0 {
			delete(b.byThread, entry.req.ThreadID)
		}
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	b.mu.Unlock()

	if entry.deliver != nil {
		if err := entry.deliver(resolution); err != nil {
			b.log.Warn("approval delivery failed", "request", id, "err", err)
		}
	}
	if b.onResolve != nil {
		b.onResolve(entry.req, resolution)
	}
	b.log.Debug("approval resolved", "request", id, "decision", resolution.Decision, "auto", resolution.Auto)
	return resolution, nil
}
