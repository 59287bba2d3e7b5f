// Package event implements the per-session Event Bus (spec §4.7), built on
// watermill for its pub/sub transport, following the teacher's
// internal/event/bus.go Bus shape (direct subscriber bookkeeping alongside a
// watermill gochannel instance) but reworked for:
//   - the event taxonomy in spec §4.7 instead of the teacher's session/message
//     CRUD taxonomy,
//   - per-session scoping (the teacher bus is process-global),
//   - strict per-subscriber delivery ordering: each subscription owns a
//     dedicated goroutine draining its own buffered channel, instead of the
//     teacher's "go sub(event)" which fires one goroutine per event and can
//     reorder deliveries to the same subscriber,
//   - panic recovery around every subscriber invocation, so a misbehaving
//     handler can never escape the bus (spec §4.7).
package event

import (
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/klaus-code/agentd/internal/logging"
)

// Type is the event taxonomy named in spec §4.7. Terminal types end a run.
type Type string

const (
	Thinking           Type = "thinking"
	StreamDelta        Type = "stream_delta"
	ToolCall           Type = "tool_call"
	ToolResult         Type = "tool_result"
	ToolProgress       Type = "tool_progress"
	Message            Type = "message"
	Error              Type = "error"
	BudgetWarning      Type = "budget_warning"
	BudgetExceeded     Type = "budget_exceeded"
	ToolLimitExceeded  Type = "tool_limit_exceeded"
	TurnComplete       Type = "turn_complete"
	PatchApprovalRequired Type = "patch_approval_required"
	Complete           Type = "complete" // terminal
)

// IsTerminal reports whether t ends a run.
func IsTerminal(t Type) bool {
	switch t {
	case Complete, BudgetExceeded, ToolLimitExceeded:
		return true
	default:
		return false
	}
}

// Event is the wire shape fanned out to subscribers.
type Event struct {
	Type      Type  `json:"type"`
	SessionID string `json:"sessionId"`
	Data      any   `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// Handler receives events. It must never block for long; the bus delivers
// to each handler on its own goroutine but a slow handler stalls only its
// own subscription's queue, never other subscribers or the publisher.
type Handler func(Event)

const subscriberQueueSize = 64

type subscription struct {
	id        uint64
	sessionID string // "" means "all sessions"
	queue     chan Event
	fn        Handler
	done      chan struct{}
}

// Bus is a per-process fan-out hub; subscriptions are optionally scoped to a
// single session id.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	pubsub *gochannel.GoChannel
	closed bool
}

// New creates a Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*subscription),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
	}
}

// Subscribe registers fn for events on sessionID. Returns an unsubscribe func.
func (b *Bus) Subscribe(sessionID string, fn Handler) func() {
	return b.subscribe(sessionID, fn)
}

// SubscribeAll registers fn for events on every session.
func (b *Bus) SubscribeAll(fn Handler) func() {
	return b.subscribe("", fn)
}

func (b *Bus) subscribe(sessionID string, fn Handler) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub := &subscription{
		id:        b.nextID,
		sessionID: sessionID,
		queue:     make(chan Event, subscriberQueueSize),
		fn:        fn,
		done:      make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	return func() { b.unsubscribe(sub.id) }
}

func (s *subscription) run() {
	for {
		select {
		case e, ok := <-s.queue:
			if !ok {
				return
			}
			s.deliver(e)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Str("eventType", string(e.Type)).
				Msg("event subscriber panicked; swallowed")
		}
	}()
	s.fn(e)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.done)
	}
}

// Publish fans e out to every matching subscriber. Ordering of events
// published for the same session, as observed by any one subscriber, is
// preserved; a full subscriber queue drops the event and logs a warning
// rather than blocking the publisher or other subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != e.SessionID {
			continue
		}
		select {
		case sub.queue <- e:
		default:
			logging.Warn().
				Str("eventType", string(e.Type)).
				Str("sessionId", e.SessionID).
				Msg("event dropped: subscriber queue full")
		}
	}
}

// Close stops all subscriptions and releases the watermill pub/sub.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.done)
	}
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()
	return b.pubsub.Close()
}
