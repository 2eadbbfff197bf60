// Package eventbus merges per-thread event sequences from one or many
// sessions into ordered, independently consumable streams. Events for one
// thread reach every subscriber in emission order with no gaps and no
// duplication; a workspace subscription interleaves its threads' queues by
// arrival time with no cross-thread ordering guarantee.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

// MessageType identifies the message payload.
type MessageType string

const (
	// MessageEvent carries an appended turn event.
	MessageEvent MessageType = "event"
	// MessageThreadState carries a thread lifecycle change.
	MessageThreadState MessageType = "thread_state"
	// MessageApproval carries a pending approval request.
	MessageApproval MessageType = "approval"
	// MessageSessionHealth carries a session health change.
	MessageSessionHealth MessageType = "session_health"
)

// Message is one delivery to a subscriber.
type Message struct {
	Type     MessageType
	Event    schema.ThreadEvent
	State    schema.ThreadStateEvent
	Approval schema.ApprovalEvent
	Health   schema.SessionHealthEvent
}

// subscriber owns an unbounded FIFO drained by a pump goroutine. A slow
// consumer delays only itself; the publisher never blocks and never drops.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
	out    chan Message
}

func newSubscriber() *subscriber {
	s := &subscriber{out: make(chan Message)}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber) push(msg Message) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, msg)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.out)
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- msg
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

// Bus fans out orchestration events to thread and workspace subscribers.
type Bus struct {
	mu            sync.Mutex
	threadSubs    map[schema.ThreadID]map[*subscriber]struct{}
	workspaceSubs map[schema.WorkspaceID]map[*subscriber]struct{}
	log           pslog.Logger
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		threadSubs:    make(map[schema.ThreadID]map[*subscriber]struct{}),
		workspaceSubs: make(map[schema.WorkspaceID]map[*subscriber]struct{}),
		log:           logger,
	}
}

// Subscribe attaches to one thread's event stream. The returned cancel
// detaches the subscriber and closes the channel once pending messages drain.
func (b *Bus) Subscribe(threadID schema.ThreadID) (<-chan Message, func()) {
	sub := newSubscriber()
	b.mu.Lock()
	set := b.threadSubs[threadID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		b.threadSubs[threadID] = set
	}
	set[sub] = struct{}{}
	count := len(set)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "thread", threadID, "subs", count)
	return sub.out, func() {
		b.mu.Lock()
		if set := b.threadSubs[threadID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.threadSubs, threadID)
			}
		}
		b.mu.Unlock()
		sub.close()
		b.log.Debug("eventbus unsubscribe", "thread", threadID)
	}
}

// SubscribeWorkspace attaches to the union of a workspace's thread streams
// plus its state, approval, and health messages.
func (b *Bus) SubscribeWorkspace(workspaceID schema.WorkspaceID) (<-chan Message, func()) {
	sub := newSubscriber()
	b.mu.Lock()
	set := b.workspaceSubs[workspaceID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		b.workspaceSubs[workspaceID] = set
	}
	set[sub] = struct{}{}
	count := len(set)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "workspace", workspaceID, "subs", count)
	return sub.out, func() {
		b.mu.Lock()
		if set := b.workspaceSubs[workspaceID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.workspaceSubs, workspaceID)
			}
		}
		b.mu.Unlock()
		sub.close()
		b.log.Debug("eventbus unsubscribe", "workspace", workspaceID)
	}
}

// OnThreadEvent publishes an appended event to the thread's subscribers and
// the owning workspace's subscribers.
func (b *Bus) OnThreadEvent(event schema.ThreadEvent) {
	b.publish(event.ThreadID, event.WorkspaceID, Message{Type: MessageEvent, Event: event})
}

// OnThreadState publishes a thread state change.
func (b *Bus) OnThreadState(event schema.ThreadStateEvent) {
	b.publish(event.Thread.ID, event.WorkspaceID, Message{Type: MessageThreadState, State: event})
}

// OnApproval publishes a pending approval request.
func (b *Bus) OnApproval(event schema.ApprovalEvent) {
	b.publish(event.Request.ThreadID, event.WorkspaceID, Message{Type: MessageApproval, Approval: event})
}

// OnSessionHealth publishes a session health change to workspace subscribers.
func (b *Bus) OnSessionHealth(event schema.SessionHealthEvent) {
	b.publish("", event.WorkspaceID, Message{Type: MessageSessionHealth, Health: event})
}

func (b *Bus) publish(threadID schema.ThreadID, workspaceID schema.WorkspaceID, msg Message) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, 4)
	if threadID != "" {
		for sub := range b.threadSubs[threadID] {
			subs = append(subs, sub)
		}
	}
	if workspaceID != "" {
		for sub := range b.workspaceSubs[workspaceID] {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.push(msg)
	}
}
