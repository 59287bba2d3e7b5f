// Package approval implements the human-in-the-loop patch-approval protocol
// (spec §4.6), grounded on the teacher's internal/permission/checker.go
// pending-channel pattern (map[id]chan Response guarded by a mutex, with a
// select on ctx.Done() vs the response channel) but adding the explicit
// deny-on-silence timer the teacher's Checker.Ask lacks: spec requires a
// timeout independent of context cancellation, so each entry owns its own
// time.Timer rather than relying solely on the caller's context.
package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/klaus-code/agentd/internal/event"
)

// Operation enumerates the kind of file mutation a patch represents.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

type entry struct {
	resultCh chan bool
	timer    *time.Timer
	once     sync.Once
}

// Broker pairs patch-approval requests with asynchronous operator responses.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*entry
	bus     *event.Bus
}

// New creates a Broker publishing patch_approval_required events on bus.
func New(bus *event.Bus) *Broker {
	return &Broker{pending: make(map[string]*entry), bus: bus}
}

// DefaultTimeout is the approval wait before deny-on-silence (spec §4.6).
const DefaultTimeout = 120 * time.Second

// Request creates a pending approval entry, emits patch_approval_required,
// and blocks until Resolve is called or timeoutMs elapses (deny-on-silence).
// Re-requesting an already-active patchId is a programming error, matching
// spec §4.6's "at most one handle per patchId" concurrency note.
func (b *Broker) Request(sessionID, patchID, filePath, diff string, op Operation, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	b.mu.Lock()
	if _, exists := b.pending[patchID]; exists {
		b.mu.Unlock()
		panic(fmt.Sprintf("approval: re-requesting active patchId %q", patchID))
	}
	e := &entry{resultCh: make(chan bool, 1)}
	b.pending[patchID] = e
	b.mu.Unlock()

	e.timer = time.AfterFunc(timeout, func() {
		b.complete(patchID, false)
	})

	b.bus.Publish(event.Event{
		Type:      event.PatchApprovalRequired,
		SessionID: sessionID,
		Data: map[string]any{
			"patchId":   patchID,
			"filePath":  filePath,
			"diff":      diff,
			"operation": string(op),
		},
	})

	return <-e.resultCh
}

// Resolve completes a pending request with an explicit operator decision.
// A no-op if patchID is not (or no longer) pending.
func (b *Broker) Resolve(patchID string, approved bool) {
	b.complete(patchID, approved)
}

func (b *Broker) complete(patchID string, approved bool) {
	b.mu.Lock()
	e, ok := b.pending[patchID]
	if ok {
		delete(b.pending, patchID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	e.once.Do(func() {
		e.timer.Stop()
		e.resultCh <- approved
	})
}

// Pending reports whether patchID currently has an outstanding request.
func (b *Broker) Pending(patchID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[patchID]
	return ok
}

// PendingCount returns the number of outstanding requests (used by tests and
// health checks).
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
