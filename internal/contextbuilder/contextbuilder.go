// Package contextbuilder assembles the ordered message sequence sent to the
// model for a turn (spec §4.4): pass recent history through unchanged while
// it fits, and once it overflows, fold the older half into a persisted
// summary rather than ever truncating silently.
//
// Grounded on the teacher's internal/session/compact.go (summary-prompt
// construction, periodic-regeneration trigger, provider call for the
// summary itself) generalized from the teacher's ad hoc 75%-context-used
// trigger into spec's exact halves-and-multiple-of-half-count algorithm,
// and backed by internal/store's knowledge table instead of a session
// struct field — the teacher threads compaction state through
// types.Session.Summary.Diffs; spec keeps it in the same key/value store
// the rest of durable state lives in.
package contextbuilder

import (
	"context"
	"fmt"
	"strings"

	"github.com/klaus-code/agentd/internal/store"
	"github.com/klaus-code/agentd/pkg/types"
)

// Summarizer generates a 2-4 paragraph preservation summary from a prompt,
// using a cheap "internal" model tier. Implemented by internal/provider;
// declared here as an interface so this package has no dependency on the
// provider's concrete Anthropic wiring.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Builder assembles per-turn model input from a session's stored history.
type Builder struct {
	store      *store.Store
	summarizer Summarizer
	maxContext int
}

// New creates a Builder bounding context to maxContext messages (spec §4.4's
// policy N) before summarisation kicks in.
func New(st *store.Store, summarizer Summarizer, maxContext int) *Builder {
	if maxContext <= 0 {
		maxContext = 40
	}
	return &Builder{store: st, summarizer: summarizer, maxContext: maxContext}
}

func knowledgeKey(sessionID string) string {
	return "ctx_summary_" + sessionID
}

// Build returns the message sequence to send to the model for prompt,
// per spec §4.4's five-step algorithm.
func (b *Builder) Build(ctx context.Context, sessionID, prompt string) ([]types.Message, error) {
	count, err := b.store.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if count <= b.maxContext {
		recent, err := b.store.GetRecentMessages(ctx, sessionID, b.maxContext)
		if err != nil {
			return nil, err
		}
		return appendCurrentPrompt(recent, prompt), nil
	}

	half := b.maxContext / 2
	if half <= 0 {
		half = 1
	}

	recent, err := b.store.GetRecentMessages(ctx, sessionID, half)
	if err != nil {
		return nil, err
	}

	summary, err := b.store.GetKnowledge(ctx, knowledgeKey(sessionID))
	needsRegen := err != nil || count%half == 0
	if needsRegen {
		older, err := b.olderHalf(ctx, sessionID, count, half)
		if err != nil {
			return nil, err
		}
		summary, err = b.regenerateSummary(ctx, sessionID, older)
		if err != nil {
			return nil, err
		}
	}

	out := []types.Message{
		{Role: types.RoleUser, Content: fmt.Sprintf("[CONTEXT SUMMARY — earlier conversation]\n%s", summary)},
		{Role: types.RoleAssistant, Content: "Understood. Continuing from where we left off."},
	}
	out = append(out, recent...)
	return alternateRoles(appendCurrentPrompt(out, prompt)), nil
}

// olderHalf returns the oldest ⌊N/2⌋ messages, which are the summarisation
// candidates per spec §4.4 step 2.
func (b *Builder) olderHalf(ctx context.Context, sessionID string, totalCount, half int) ([]types.Message, error) {
	all, err := b.store.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(all) > half {
		all = all[:half]
	}
	return all, nil
}

// regenerateSummary builds a summary prompt from older and calls the
// Summarizer, persisting the result under this session's knowledge key.
func (b *Builder) regenerateSummary(ctx context.Context, sessionID string, older []types.Message) (string, error) {
	prompt := buildSummaryPrompt(older)
	summary, err := b.summarizer.Summarize(ctx, prompt)
	if err != nil {
		return "", err
	}
	if err := b.store.SetKnowledge(ctx, knowledgeKey(sessionID), summary, "context"); err != nil {
		return "", err
	}
	return summary, nil
}

// buildSummaryPrompt renders messages into the preservation-summary prompt
// the internal model tier is asked to complete.
func buildSummaryPrompt(messages []types.Message) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation in 2-4 paragraphs, preserving:\n")
	sb.WriteString("1. Decisions made\n2. Files touched\n3. Patterns established\n4. Errors resolved\n\n---\n\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s:\n%s\n\n", strings.ToUpper(string(m.Role)), m.Content)
	}
	return sb.String()
}

func appendCurrentPrompt(messages []types.Message, prompt string) []types.Message {
	if len(messages) > 0 && messages[len(messages)-1].Role == types.RoleUser && messages[len(messages)-1].Content == prompt {
		return messages
	}
	return append(messages, types.Message{Role: types.RoleUser, Content: prompt})
}

// alternateRoles enforces spec §4.4 step 5: consecutive same-role messages
// are merged by concatenation with a blank-line separator.
func alternateRoles(messages []types.Message) []types.Message {
	if len(messages) == 0 {
		return messages
	}
	merged := []types.Message{messages[0]}
	for _, m := range messages[1:] {
		last := &merged[len(merged)-1]
		if last.Role == m.Role {
			last.Content = last.Content + "\n\n" + m.Content
			continue
		}
		merged = append(merged, m)
	}
	return merged
}
