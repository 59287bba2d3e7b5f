// Package agentloop implements the Agent Loop state machine (spec §4.8):
// Admitting → Preparing → Turn → DispatchingTools → Turn → … → Terminal.
// It is the runtime's largest component, driving every other piece this
// module built — Store, AtomicCounter, the Tool Registry & Dispatcher, the
// Context Builder, the Retry Policy (via the Provider), the Approval
// Broker, and the Event Bus — through one prompt-to-completion run.
//
// Grounded on the teacher's internal/session package for the overall
// control-flow shape (Processor.runLoop's admit → load-session → turn loop
// → persist-and-notify structure, and stream.go's accumulate-deltas-then-
// emit pattern) but rebuilt around this module's own types throughout: no
// cloudwego/eino schema.Message, no provider registry indirection, and with
// the admission/budget/tool-limit/cancellation machinery spec.md adds that
// the teacher's MaxSteps/MaxContextTokens constants never modeled as
// first-class exit states.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klaus-code/agentd/internal/approval"
	"github.com/klaus-code/agentd/internal/contextbuilder"
	"github.com/klaus-code/agentd/internal/counter"
	"github.com/klaus-code/agentd/internal/errs"
	"github.com/klaus-code/agentd/internal/event"
	"github.com/klaus-code/agentd/internal/ids"
	"github.com/klaus-code/agentd/internal/logging"
	"github.com/klaus-code/agentd/internal/provider"
	"github.com/klaus-code/agentd/internal/store"
	"github.com/klaus-code/agentd/internal/tool"
	"github.com/klaus-code/agentd/pkg/types"
)

// budgetWarningThreshold is the fraction of the token budget that fires
// budget_warning exactly once per run (spec §4.8 Turn step 6).
const budgetWarningThreshold = 0.8

// maxProjectContextChars bounds the optional project-context file spec
// §4.8 Preparing loads from the workspace.
const maxProjectContextChars = 10_000

// maxSummaryChars bounds the Terminal-state one-line session summary.
const maxSummaryChars = 100

// Config holds the Loop's tunables, sourced from internal/config.Config.
type Config struct {
	MaxConcurrentSessions int64
	MaxPromptChars        int
	MaxToolCalls          int
	TokenBudget           int64
	RequirePatchApproval  bool
	ApprovalTimeout       time.Duration
	DefaultModel          string
	MaxTokens             int
}

// Result is what Run returns once a run reaches Terminal.
type Result struct {
	SessionID      string
	ToolCallsCount int
	DurationMs     int64
	Summary        string
	TokenUsage     types.TokenUsage
}

// Loop wires every component spec §4.8 drives into one runnable state
// machine.
type Loop struct {
	store      *store.Store
	counter    *counter.AtomicCounter
	registry   *tool.Registry
	dispatcher *tool.Dispatcher
	builder    *contextbuilder.Builder
	bus        *event.Bus
	approvals  *approval.Broker
	prov       provider.Provider
	cfg        Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Loop from its component dependencies.
func New(
	st *store.Store,
	ctr *counter.AtomicCounter,
	registry *tool.Registry,
	dispatcher *tool.Dispatcher,
	builder *contextbuilder.Builder,
	bus *event.Bus,
	approvals *approval.Broker,
	prov provider.Provider,
	cfg Config,
) *Loop {
	return &Loop{
		store:      st,
		counter:    ctr,
		registry:   registry,
		dispatcher: dispatcher,
		builder:    builder,
		bus:        bus,
		approvals:  approvals,
		prov:       prov,
		cfg:        cfg,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Cancel aborts the in-flight run for sessionID, if any (spec §4.8
// Cancellation, §5). Reports whether a run was found to cancel.
func (l *Loop) Cancel(sessionID string) bool {
	l.mu.Lock()
	cancel, ok := l.cancels[sessionID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveCount reports how many runs currently hold a cancellation handle,
// used by the façade's /health endpoint as an activeSessions gauge.
func (l *Loop) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cancels)
}

// Run executes one full run for prompt against sessionID (a fresh id is
// assigned when sessionID is empty), admitting, preparing context, driving
// Turn/DispatchingTools until Terminal, and releasing the admission slot on
// every exit path (spec §8's AtomicCounter invariant).
func (l *Loop) Run(ctx context.Context, sessionID, workspaceDir, requestedModel, prompt string) (*Result, error) {
	start := time.Now()

	model, err := l.resolveModel(requestedModel)
	if err != nil {
		return nil, err
	}

	if !l.counter.TryIncrement(l.cfg.MaxConcurrentSessions) {
		return nil, errs.New(errs.ConcurrencyExceeded,
			fmt.Sprintf("too many concurrent sessions (%d/%d)", l.counter.Value(), l.cfg.MaxConcurrentSessions))
	}
	released := false
	release := func() {
		if !released {
			released = true
			l.counter.Decrement()
		}
	}
	defer release()

	if l.cfg.MaxPromptChars > 0 && len(prompt) > l.cfg.MaxPromptChars {
		return nil, errs.New(errs.PromptTooLarge,
			fmt.Sprintf("prompt length %d exceeds maxPromptChars %d", len(prompt), l.cfg.MaxPromptChars))
	}

	if sessionID == "" {
		sessionID = ids.New()
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.registerCancel(sessionID, cancel)
	defer l.unregisterCancel(sessionID)
	defer cancel()

	sess, err := l.prepareSession(runCtx, sessionID, workspaceDir, prompt)
	if err != nil {
		return nil, err
	}

	messages, err := l.builder.Build(runCtx, sessionID, prompt)
	if err != nil {
		return nil, err
	}

	knowledge, err := l.store.ListKnowledge(runCtx, "")
	if err != nil {
		return nil, err
	}
	systemPrompt := buildSystemPrompt(knowledge)
	if projectCtx := loadProjectContext(sess.WorkspaceDir); projectCtx != "" {
		systemPrompt = systemPrompt + "\n\n" + projectCtx
	}

	if err := ensureGitRepo(sess.WorkspaceDir); err != nil {
		logging.Warn().Err(err).Str("workspace", sess.WorkspaceDir).Msg("could not lazily init git repo")
	}

	return l.runTurns(runCtx, sessionID, sess.WorkspaceDir, model, prompt, systemPrompt, messages, start)
}

func (l *Loop) prepareSession(ctx context.Context, sessionID, workspaceDir, prompt string) (*types.Session, error) {
	sess, err := l.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		sess, err = l.store.CreateSessionWithID(ctx, sessionID, workspaceDir)
	}
	if err != nil {
		return nil, err
	}
	if _, err := l.store.AddMessage(ctx, types.Message{SessionID: sessionID, Role: types.RoleUser, Content: prompt}); err != nil {
		return nil, err
	}
	return sess, nil
}

// turnState threads the per-run accumulators explicitly through each Turn
// boundary, replacing the teacher's closure-over-state streaming callbacks
// (spec Design Note "Closure-over-state in streaming callbacks").
type turnState struct {
	workspaceDir       string
	toolCallsSoFar     int
	cumulativeInput    int64
	cumulativeOutput   int64
	budgetWarningFired bool
	toolsUsed          map[string]bool
	lastAssistantText  string
}

func (l *Loop) runTurns(ctx context.Context, sessionID, workspaceDir, model, prompt, systemPrompt string, messages []types.Message, start time.Time) (*Result, error) {
	st := &turnState{workspaceDir: workspaceDir, toolsUsed: make(map[string]bool)}
	providerMessages := toProviderMessages(messages)
	specs := toolSpecs(l.registry)

	for {
		next, terminal, err := l.runOneTurn(ctx, sessionID, workspaceDir, model, systemPrompt, providerMessages, specs, st)
		if err != nil {
			return nil, err
		}
		if terminal != nil {
			return l.finish(ctx, sessionID, st, start, prompt, terminal)
		}
		providerMessages = next
	}
}

// terminalReason distinguishes the Terminal transitions spec §4.8 names,
// each of which still produces a normal session summary.
type terminalReason string

const (
	terminalEndTurn           terminalReason = "end_turn"
	terminalBudgetExceeded    terminalReason = "budget_exceeded"
	terminalToolLimitExceeded terminalReason = "tool_limit_exceeded"
)

func (l *Loop) runOneTurn(
	ctx context.Context,
	sessionID, workspaceDir, model, systemPrompt string,
	messages []provider.Message,
	specs []provider.ToolSpec,
	st *turnState,
) ([]provider.Message, *terminalReason, error) {
	l.bus.Publish(event.Event{Type: event.Thinking, SessionID: sessionID})

	req := &provider.CompletionRequest{
		Model:     model,
		System:    systemPrompt,
		Messages:  messages,
		Tools:     specs,
		MaxTokens: l.cfg.MaxTokens,
	}

	chunks, err := l.prov.Complete(ctx, req)
	if err != nil {
		l.bus.Publish(event.Event{Type: event.Error, SessionID: sessionID, Data: map[string]any{"error": sanitizeError(err)}})
		return nil, nil, err
	}

	var text strings.Builder
	var toolCalls []provider.ToolCall
	var stopReason string
	var turnInput, turnOutput int64
	var turnErr error

	for chunk := range chunks {
		if chunk.Error != nil {
			turnErr = chunk.Error
			continue
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			l.bus.Publish(event.Event{Type: event.StreamDelta, SessionID: sessionID, Data: map[string]any{"text": chunk.Text}})
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			stopReason = chunk.StopReason
			turnInput = chunk.InputTokens
			turnOutput = chunk.OutputTokens
		}
	}

	if turnErr != nil {
		if ctx.Err() != nil {
			// spec §4.8 Cancellation: abort mid-stream, emit the fixed
			// message, and exit without further tool dispatch. The
			// admission slot still releases via Run's deferred release.
			l.bus.Publish(event.Event{Type: event.Error, SessionID: sessionID, Data: map[string]any{"error": "Cancelled by user"}})
			return nil, nil, errs.New(errs.Cancelled, "Cancelled by user")
		}
		l.bus.Publish(event.Event{Type: event.Error, SessionID: sessionID, Data: map[string]any{"error": sanitizeError(turnErr)}})
		return nil, nil, turnErr
	}

	if err := l.store.RecordTokenUsage(ctx, sessionID, model, turnInput, turnOutput); err != nil {
		return nil, nil, err
	}
	st.cumulativeInput += turnInput
	st.cumulativeOutput += turnOutput
	cumulativeTotal := st.cumulativeInput + st.cumulativeOutput

	turnData := map[string]any{
		"inputTokens":      turnInput,
		"outputTokens":     turnOutput,
		"costUsd":          estimateCost(model, turnInput, turnOutput),
		"cumulativeInput":  st.cumulativeInput,
		"cumulativeOutput": st.cumulativeOutput,
	}
	if l.cfg.TokenBudget > 0 {
		turnData["budgetPercent"] = float64(cumulativeTotal) / float64(l.cfg.TokenBudget) * 100
	}
	l.bus.Publish(event.Event{Type: event.TurnComplete, SessionID: sessionID, Data: turnData})

	if l.cfg.TokenBudget > 0 {
		if cumulativeTotal >= l.cfg.TokenBudget {
			l.bus.Publish(event.Event{Type: event.BudgetExceeded, SessionID: sessionID,
				Data: map[string]any{"used": cumulativeTotal, "budget": l.cfg.TokenBudget}})
			reason := terminalBudgetExceeded
			return nil, &reason, nil
		}
		// budgetWarningFired is essential, not an optimization: a single
		// oversized turn can jump from <80% to >100% cumulative usage, so a
		// naive "was the previous turn below 80%" check would silently skip
		// the warning window entirely (spec §4.8 Turn step 6).
		if !st.budgetWarningFired && float64(cumulativeTotal) >= budgetWarningThreshold*float64(l.cfg.TokenBudget) {
			st.budgetWarningFired = true
			l.bus.Publish(event.Event{Type: event.BudgetWarning, SessionID: sessionID,
				Data: map[string]any{"used": cumulativeTotal, "budget": l.cfg.TokenBudget}})
		}
	}

	if l.cfg.MaxToolCalls > 0 && st.toolCallsSoFar >= l.cfg.MaxToolCalls {
		l.bus.Publish(event.Event{Type: event.ToolLimitExceeded, SessionID: sessionID,
			Data: map[string]any{"toolCalls": st.toolCallsSoFar, "limit": l.cfg.MaxToolCalls}})
		reason := terminalToolLimitExceeded
		return nil, &reason, nil
	}

	assistantText := text.String()
	if assistantText != "" {
		st.lastAssistantText = assistantText
		l.bus.Publish(event.Event{Type: event.Message, SessionID: sessionID,
			Data: map[string]any{"role": string(types.RoleAssistant), "content": assistantText}})
		if _, err := l.store.AddMessage(ctx, types.Message{SessionID: sessionID, Role: types.RoleAssistant, Content: assistantText}); err != nil {
			return nil, nil, err
		}
	}
	messages = append(messages, provider.Message{Role: types.RoleAssistant, Content: assistantText, ToolCalls: toolCalls})

	if stopReason == "end_turn" || len(toolCalls) == 0 {
		reason := terminalEndTurn
		return nil, &reason, nil
	}

	messages, err = l.dispatchTools(ctx, sessionID, workspaceDir, toolCalls, messages, st)
	if err != nil {
		return nil, nil, err
	}
	return messages, nil, nil
}

func (l *Loop) dispatchTools(
	ctx context.Context,
	sessionID, workspaceDir string,
	toolCalls []provider.ToolCall,
	messages []provider.Message,
	st *turnState,
) ([]provider.Message, error) {
	calls := make([]tool.Call, len(toolCalls))
	for i, tc := range toolCalls {
		calls[i] = tool.Call{ID: tc.ID, Name: tc.Name, Input: tc.Input}
	}

	toolCtx := &tool.Context{
		SessionID: sessionID,
		WorkDir:   workspaceDir,
		OnProgress: func(title string, meta map[string]any) {
			l.bus.Publish(event.Event{Type: event.ToolProgress, SessionID: sessionID,
				Data: map[string]any{"title": title, "meta": meta}})
		},
	}
	if l.cfg.RequirePatchApproval {
		toolCtx.RequestApproval = func(filePath, diff, operation string) bool {
			return l.approvals.Request(sessionID, ids.New(), filePath, diff, approval.Operation(operation), l.cfg.ApprovalTimeout)
		}
	}

	for _, c := range calls {
		st.toolCallsSoFar++
		st.toolsUsed[c.Name] = true
		l.bus.Publish(event.Event{Type: event.ToolCall, SessionID: sessionID,
			Data: map[string]any{"id": c.ID, "name": c.Name, "input": c.Input}})
	}

	outcomes := l.dispatcher.DispatchTurn(ctx, toolCtx, calls)

	toolResults := make([]provider.ToolResult, len(outcomes))
	for i, o := range outcomes {
		content, isError := "", false
		switch {
		case o.Result != nil:
			content, isError = o.Result.Output, o.Result.IsError
		case o.Err != nil:
			content, isError = o.Err.Error(), true
		}
		toolResults[i] = provider.ToolResult{ToolCallID: o.Call.ID, Content: content, IsError: isError}

		l.bus.Publish(event.Event{Type: event.ToolResult, SessionID: sessionID,
			Data: map[string]any{"id": o.Call.ID, "name": o.Call.Name, "isError": isError}})

		if _, err := l.store.AddMessage(ctx, types.Message{
			SessionID: sessionID, Role: types.RoleTool, Content: content, ToolName: o.Call.Name,
		}); err != nil {
			return nil, err
		}
	}

	// The next user turn's tool_results preserve the model's requested
	// order regardless of how fast each parallel read-only call finished —
	// DispatchTurn already returns outcomes aligned with calls' order.
	return append(messages, provider.Message{Role: types.RoleUser, ToolResults: toolResults}), nil
}

func (l *Loop) finish(ctx context.Context, sessionID string, st *turnState, start time.Time, prompt string, reason *terminalReason) (*Result, error) {
	summary := l.summarize(ctx, prompt, st.lastAssistantText, st.toolsUsed)
	if err := l.store.UpdateSessionSummary(ctx, sessionID, summary); err != nil {
		logging.Warn().Err(err).Str("sessionId", sessionID).Msg("persist session summary")
	}

	usage, err := l.store.GetSessionTokenUsage(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		SessionID:      sessionID,
		ToolCallsCount: st.toolCallsSoFar,
		DurationMs:     time.Since(start).Milliseconds(),
		Summary:        summary,
		TokenUsage:     usage,
	}

	l.bus.Publish(event.Event{Type: event.Complete, SessionID: sessionID, Data: map[string]any{
		"sessionId":      sessionID,
		"toolCallsCount": st.toolCallsSoFar,
		"durationMs":     result.DurationMs,
		"summary":        summary,
		"tokenUsage":     usage,
		"reason":         string(*reason),
	}})
	return result, nil
}

func (l *Loop) summarize(ctx context.Context, prompt, lastAssistantText string, toolsUsed map[string]bool) string {
	names := make([]string, 0, len(toolsUsed))
	for name := range toolsUsed {
		names = append(names, name)
	}
	sort.Strings(names)

	req := fmt.Sprintf(
		"Summarize this agent run in a single line, at most 100 characters, no enclosing quotes.\n\nUser request: %s\n\nFinal response: %s\n\nTools used: %s",
		prompt, lastAssistantText, strings.Join(names, ", "))

	summary, err := l.prov.Summarize(ctx, req)
	if err != nil {
		logging.Warn().Err(err).Msg("terminal summary call failed, falling back to truncated assistant text")
		return fallbackSummary(lastAssistantText)
	}
	summary = cleanSummary(summary)
	if summary == "" {
		return fallbackSummary(lastAssistantText)
	}
	return summary
}

func fallbackSummary(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return cleanSummary(text)
}

func cleanSummary(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if len(s) > maxSummaryChars {
		s = s[:maxSummaryChars]
	}
	return s
}

func (l *Loop) resolveModel(requested string) (string, error) {
	if requested == "" {
		return l.cfg.DefaultModel, nil
	}
	for _, m := range l.prov.Models() {
		if m.ID == requested {
			return requested, nil
		}
	}
	return "", errs.New(errs.Validation, fmt.Sprintf("unknown model %q", requested))
}

func (l *Loop) registerCancel(sessionID string, cancel context.CancelFunc) {
	l.mu.Lock()
	l.cancels[sessionID] = cancel
	l.mu.Unlock()
}

func (l *Loop) unregisterCancel(sessionID string) {
	l.mu.Lock()
	delete(l.cancels, sessionID)
	l.mu.Unlock()
}

func toProviderMessages(messages []types.Message) []provider.Message {
	out := make([]provider.Message, len(messages))
	for i, m := range messages {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toolSpecs(reg *tool.Registry) []provider.ToolSpec {
	defs := reg.List()
	specs := make([]provider.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = provider.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func buildSystemPrompt(knowledge []types.KnowledgeEntry) string {
	const base = "You are an autonomous coding agent with direct access to the workspace's filesystem, shell, and git history through the tools provided. Work methodically, verify changes before reporting them done, and checkpoint meaningful units of work with git_checkpoint."
	if len(knowledge) == 0 {
		return base
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n## Persistent Knowledge\n")
	for _, k := range knowledge {
		fmt.Fprintf(&sb, "- %s: %s\n", k.Key, k.Value)
	}
	return sb.String()
}

// loadProjectContext reads an optional project-context file, checked in
// spec's preference order, truncated to maxProjectContextChars.
func loadProjectContext(workspaceDir string) string {
	for _, rel := range []string{".agentcontext", filepath.Join(".agent", "context.md")} {
		data, err := os.ReadFile(filepath.Join(workspaceDir, rel))
		if err != nil {
			continue
		}
		content := string(data)
		if len(content) > maxProjectContextChars {
			content = content[:maxProjectContextChars]
		}
		return "## Project Context\n" + content
	}
	return ""
}

// ensureGitRepo lazily initializes workspaceDir as a git repository
// attributed to a fixed agent identity, so git_checkpoint has somewhere to
// commit (spec §4.8 Preparing).
func ensureGitRepo(workspaceDir string) error {
	if info, err := os.Stat(filepath.Join(workspaceDir, ".git")); err == nil && info.IsDir() {
		return nil
	}
	if err := exec.Command("git", "-C", workspaceDir, "init").Run(); err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	_ = exec.Command("git", "-C", workspaceDir, "config", "user.name", "AI Agent").Run()
	_ = exec.Command("git", "-C", workspaceDir, "config", "user.email", "agent@localhost").Run()
	return nil
}

// sanitizeError strips absolute filesystem paths out of error text before
// it reaches an external caller (spec §7 propagation policy: "sanitisation
// ... stripping internal filesystem paths and stack traces").
func sanitizeError(err error) string {
	return absolutePathPattern.ReplaceAllString(err.Error(), "<path>")
}

var absolutePathPattern = regexp.MustCompile(`/(?:[\w.\-]+/)+[\w.\-]+`)
