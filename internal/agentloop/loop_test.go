package agentloop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klaus-code/agentd/internal/approval"
	"github.com/klaus-code/agentd/internal/contextbuilder"
	"github.com/klaus-code/agentd/internal/counter"
	"github.com/klaus-code/agentd/internal/event"
	"github.com/klaus-code/agentd/internal/provider"
	"github.com/klaus-code/agentd/internal/store"
	"github.com/klaus-code/agentd/internal/tool"
	"github.com/klaus-code/agentd/pkg/types"
)

// fakeProvider drives deterministic turn sequences without an Anthropic
// call, so the Loop's state machine can be exercised directly.
type fakeProvider struct {
	calls int
	// turn returns the chunks for the nth call (1-indexed). Returning nil
	// falls back to a single end_turn chunk with no tool calls.
	turn func(n int) []*provider.CompletionChunk
}

func (f *fakeProvider) Complete(ctx context.Context, req *provider.CompletionRequest) (<-chan *provider.CompletionChunk, error) {
	f.calls++
	chunks := f.turn(f.calls)
	if chunks == nil {
		chunks = []*provider.CompletionChunk{{Text: "done", Done: true, StopReason: "end_turn", OutputTokens: 1, InputTokens: 1}}
	}
	ch := make(chan *provider.CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }

func (f *fakeProvider) Summarize(ctx context.Context, prompt string) (string, error) {
	return "a fake summary", nil
}

func (f *fakeProvider) Models() []provider.ModelInfo {
	return []provider.ModelInfo{{ID: "fake-model", Name: "Fake"}}
}

// testHarness wires a Loop against a real Store (sqlite in a temp dir), a
// real Tool Registry & Dispatcher, and a real Event Bus — only the Provider
// is faked, since that is the one external dependency the loop cannot drive
// deterministically otherwise.
type testHarness struct {
	loop  *Loop
	store *store.Store
	bus   *event.Bus
	prov  *fakeProvider
	dir   string
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "agentd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := event.New()
	registry := tool.DefaultRegistry(st)
	dispatcher := tool.NewDispatcher(registry, st)
	builder := contextbuilder.New(st, nil, 40)
	approvals := approval.New(bus)

	prov := &fakeProvider{turn: func(n int) []*provider.CompletionChunk { return nil }}

	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "fake-model"
	}
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = 10
	}

	l := New(st, &counter.AtomicCounter{}, registry, dispatcher, builder, bus, approvals, prov, cfg)
	return &testHarness{loop: l, store: st, bus: bus, prov: prov, dir: dir}
}

func TestRunEndTurnReleasesAdmissionSlot(t *testing.T) {
	h := newHarness(t, Config{MaxTokens: 100})
	ctx := context.Background()

	result, err := h.loop.Run(ctx, "", h.dir, "", "hello there")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "a fake summary", result.Summary)
	assert.Equal(t, 0, result.ToolCallsCount)
	assert.Equal(t, int64(0), h.loop.counter.Value())
	assert.Equal(t, 1, h.prov.calls)
}

func TestRunUnknownModelRejectedBeforeAdmission(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.loop.Run(ctx, "", h.dir, "no-such-model", "hi")
	require.Error(t, err)
	assert.Equal(t, int64(0), h.loop.counter.Value())
	assert.Equal(t, 0, h.prov.calls)
}

func TestRunPromptTooLargeReleasesAdmissionSlot(t *testing.T) {
	h := newHarness(t, Config{MaxPromptChars: 4})
	ctx := context.Background()

	_, err := h.loop.Run(ctx, "", h.dir, "", "way too long")
	require.Error(t, err)
	assert.Equal(t, int64(0), h.loop.counter.Value())
}

func TestRunConcurrencyExceededReleasesNothingItDidNotTake(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSessions: 1})
	h.loop.counter.TryIncrement(1) // simulate one in-flight run

	_, err := h.loop.Run(context.Background(), "", h.dir, "", "hi")
	require.Error(t, err)
	assert.Equal(t, int64(1), h.loop.counter.Value())
}

// TestRunToolLimitExceededFiresExactlyOnce drives a provider that always
// requests a tool call, so MaxToolCalls=1 trips on the second turn's
// pre-dispatch check (spec §4.8 Turn step: the limit is evaluated once per
// turn, before that turn's own calls are dispatched).
func TestRunToolLimitExceededFiresExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{MaxToolCalls: 1, MaxTokens: 100})
	h.prov.turn = func(n int) []*provider.CompletionChunk {
		return []*provider.CompletionChunk{
			{ToolCall: &provider.ToolCall{ID: "call-1", Name: "run_shell", Input: []byte(`{"command":"true"}`)}},
			{Done: true, StopReason: "tool_use", OutputTokens: 1, InputTokens: 1},
		}
	}

	events := make(chan event.Event, 64)
	unsubscribe := h.bus.SubscribeAll(func(e event.Event) {
		if e.Type == event.ToolLimitExceeded {
			events <- e
		}
	})
	defer unsubscribe()

	result, err := h.loop.Run(context.Background(), "", h.dir, "", "run a tool repeatedly")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, h.prov.calls)
	assert.Equal(t, int64(0), h.loop.counter.Value())

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("expected a tool_limit_exceeded event")
	}
	select {
	case e := <-events:
		t.Fatalf("expected exactly one tool_limit_exceeded event, got a second: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestRunBudgetWarningFiresOnceThenExceeds exercises the budget-warning and
// budget-exceeded transitions together: a fixed 80-token-per-turn provider
// against a 100-token budget crosses the 80% warning threshold on turn one
// and the hard ceiling on turn two.
func TestRunBudgetWarningFiresOnceThenExceeds(t *testing.T) {
	h := newHarness(t, Config{TokenBudget: 100, MaxTokens: 100})
	h.prov.turn = func(n int) []*provider.CompletionChunk {
		return []*provider.CompletionChunk{
			{ToolCall: &provider.ToolCall{ID: "call-1", Name: "run_shell", Input: []byte(`{"command":"true"}`)}},
			{Done: true, StopReason: "tool_use", OutputTokens: 80, InputTokens: 0},
		}
	}

	var warnings, exceeded int
	done := make(chan struct{})
	unsubscribe := h.bus.SubscribeAll(func(e event.Event) {
		switch e.Type {
		case event.BudgetWarning:
			warnings++
		case event.BudgetExceeded:
			exceeded++
			close(done)
		}
	})
	defer unsubscribe()

	result, err := h.loop.Run(context.Background(), "", h.dir, "", "burn through the budget")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, h.prov.calls)
	assert.Equal(t, int64(0), h.loop.counter.Value())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a budget_exceeded event")
	}
	time.Sleep(20 * time.Millisecond) // drain any trailing delivery
	assert.Equal(t, 1, warnings)
	assert.Equal(t, 1, exceeded)
}

func TestRunCancellationMidStreamReleasesAdmissionSlot(t *testing.T) {
	h := newHarness(t, Config{MaxTokens: 100})
	cancelled := make(chan struct{})
	h.prov.turn = func(n int) []*provider.CompletionChunk {
		<-cancelled
		return []*provider.CompletionChunk{{Error: context.Canceled}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		close(cancelled)
	}()

	_, err := h.loop.Run(ctx, "", h.dir, "", "hang until cancelled")
	require.Error(t, err)
	assert.Equal(t, int64(0), h.loop.counter.Value())
	assert.Equal(t, 0, h.loop.ActiveCount())
}

func TestCancelUnknownSessionReportsNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	assert.False(t, h.loop.Cancel("no-such-session"))
}

func TestResolveModelDefaultsWhenUnset(t *testing.T) {
	h := newHarness(t, Config{DefaultModel: "fake-model"})
	model, err := h.loop.resolveModel("")
	require.NoError(t, err)
	assert.Equal(t, "fake-model", model)
}

func TestResolveModelAcceptsKnownModel(t *testing.T) {
	h := newHarness(t, Config{DefaultModel: "fake-model"})
	model, err := h.loop.resolveModel("fake-model")
	require.NoError(t, err)
	assert.Equal(t, "fake-model", model)
}

func TestResolveModelRejectsUnknownModel(t *testing.T) {
	h := newHarness(t, Config{DefaultModel: "fake-model"})
	_, err := h.loop.resolveModel("gpt-unknown")
	require.Error(t, err)
}

func TestCleanSummaryTrimsQuotesAndWhitespace(t *testing.T) {
	assert.Equal(t, "fixed the bug", cleanSummary(`  "fixed the bug"  `))
}

func TestCleanSummaryTruncatesToMaxChars(t *testing.T) {
	long := make([]byte, maxSummaryChars+20)
	for i := range long {
		long[i] = 'x'
	}
	got := cleanSummary(string(long))
	assert.Len(t, got, maxSummaryChars)
}

func TestFallbackSummaryTakesFirstLine(t *testing.T) {
	assert.Equal(t, "first line", fallbackSummary("first line\nsecond line"))
}

func TestBuildSystemPromptIncludesKnowledge(t *testing.T) {
	prompt := buildSystemPrompt([]types.KnowledgeEntry{{Key: "style", Value: "tabs not spaces"}})
	assert.Contains(t, prompt, "Persistent Knowledge")
	assert.Contains(t, prompt, "style: tabs not spaces")
}

func TestBuildSystemPromptOmitsSectionWhenEmpty(t *testing.T) {
	prompt := buildSystemPrompt(nil)
	assert.NotContains(t, prompt, "Persistent Knowledge")
}

func TestLoadProjectContextReadsAgentContextFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".agentcontext"), []byte("use go modules"), 0o644))
	got := loadProjectContext(dir)
	assert.Contains(t, got, "use go modules")
}

func TestLoadProjectContextEmptyWhenNoFile(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "", loadProjectContext(dir))
}

func TestSanitizeErrorStripsAbsolutePaths(t *testing.T) {
	err := &pathError{msg: "open /home/agent/workspace/secret.txt: permission denied"}
	got := sanitizeError(err)
	assert.NotContains(t, got, "/home/agent/workspace/secret.txt")
	assert.Contains(t, got, "<path>")
}

type pathError struct{ msg string }

func (e *pathError) Error() string { return e.msg }
