package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klaus-code/agentd/internal/event"
)

func TestResolveApprovesBeforeTimeout(t *testing.T) {
	bus := event.New()
	defer bus.Close()
	b := New(bus)

	resultCh := make(chan bool, 1)
	go func() {
		resultCh <- b.Request("s1", "patch-1", "foo.go", "diff", OpModify, time.Second)
	}()

	require.Eventually(t, func() bool { return b.Pending("patch-1") }, time.Second, time.Millisecond)
	b.Resolve("patch-1", true)

	select {
	case approved := <-resultCh:
		assert.True(t, approved)
	case <-time.After(time.Second):
		t.Fatal("Request did not return after Resolve")
	}
	assert.False(t, b.Pending("patch-1"))
}

func TestTimeoutDeniesOnSilence(t *testing.T) {
	bus := event.New()
	defer bus.Close()
	b := New(bus)

	start := time.Now()
	approved := b.Request("s1", "patch-2", "foo.go", "diff", OpCreate, 30*time.Millisecond)
	assert.False(t, approved)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.False(t, b.Pending("patch-2"))
	assert.Equal(t, 0, b.PendingCount())
}

func TestRerequestingActivePatchIDPanics(t *testing.T) {
	bus := event.New()
	defer bus.Close()
	b := New(bus)

	go b.Request("s1", "patch-3", "foo.go", "diff", OpModify, time.Second)
	require.Eventually(t, func() bool { return b.Pending("patch-3") }, time.Second, time.Millisecond)

	assert.Panics(t, func() {
		b.Request("s1", "patch-3", "foo.go", "diff", OpModify, time.Second)
	})

	b.Resolve("patch-3", false)
}

func TestPublishesPatchApprovalRequiredEvent(t *testing.T) {
	bus := event.New()
	defer bus.Close()
	b := New(bus)

	received := make(chan event.Event, 1)
	unsub := bus.Subscribe("s1", func(e event.Event) {
		if e.Type == event.PatchApprovalRequired {
			received <- e
		}
	})
	defer unsub()

	go b.Request("s1", "patch-4", "foo.go", "diff", OpDelete, time.Second)

	select {
	case e := <-received:
		data := e.Data.(map[string]any)
		assert.Equal(t, "patch-4", data["patchId"])
	case <-time.After(time.Second):
		t.Fatal("did not receive patch_approval_required event")
	}
	b.Resolve("patch-4", true)
}
