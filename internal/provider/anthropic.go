package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/klaus-code/agentd/internal/errs"
	"github.com/klaus-code/agentd/internal/logging"
	"github.com/klaus-code/agentd/internal/retry"
	"github.com/klaus-code/agentd/pkg/types"
)

// maxEmptyStreamEvents bounds consecutive events a stream can emit without
// producing anything meaningful before it's treated as malformed, following
// the teacher's pattern borrowed from sashabaranov/go-openai's stream reader.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey string
	// BaseURL overrides the default Anthropic API endpoint; empty uses the
	// SDK default.
	BaseURL string
	// DefaultModel is used when a CompletionRequest leaves Model empty.
	DefaultModel string
	// SummaryModel is the cheap "internal" tier used by Summarize (spec
	// §4.4 step 3, §4.8 Terminal); empty falls back to DefaultModel.
	SummaryModel string
	// MaxTokens is the default completion token cap when a request leaves
	// MaxTokens unset.
	MaxTokens int
	// Retry is the backoff policy guarding stream-creation attempts (spec
	// §4.5), shared with the rest of the runtime via internal/retry.
	Retry retry.Policy
}

// AnthropicProvider implements Provider against the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	retry        retry.Policy
	defaultModel string
	summaryModel string
	maxTokens    int
}

// NewAnthropicProvider builds a provider from cfg, applying the defaults
// named in spec §6 (sonnet as the default model, 8192 max tokens).
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errs.New(errs.Validation, "anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = "claude-3-5-haiku-20241022"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.NewPolicy(time.Second, 30*time.Second, 5)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		retry:        cfg.Retry,
		defaultModel: cfg.DefaultModel,
		summaryModel: cfg.SummaryModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// DefaultModel returns the configured default model id.
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

// Models returns the fixed allow-set of Claude model ids the Agent Loop's
// Admission state validates a caller-supplied model against (spec §4.8
// Admitting step 1; Open Question 2's resolution — exact-match, not prefix
// matching). Grounded on haasonsaas-nexus's AnthropicProvider.Models().
func (p *AnthropicProvider) Models() []ModelInfo {
	return []ModelInfo{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4"},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4"},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet"},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku"},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus"},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku"},
	}
}

// Complete starts a streaming completion, retrying stream creation per the
// Retry Policy (spec §4.5) before handing off to processStream.
func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "convert messages for anthropic request", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, errs.Wrap(errs.Validation, "convert tool specs for anthropic request", err)
		}
		params.Tools = tools
	}

	chunks := make(chan *CompletionChunk)
	go p.run(ctx, params, p.getModel(req.Model), chunks)
	return chunks, nil
}

func (p *AnthropicProvider) run(ctx context.Context, params anthropic.MessageNewParams, model string, chunks chan<- *CompletionChunk) {
	defer close(chunks)

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	var lastErr error

	for attempt := 0; attempt <= p.retry.MaxAttempts; attempt++ {
		stream = p.client.Messages.NewStreaming(ctx, params)
		if err := stream.Err(); err != nil {
			lastErr = err
		} else {
			lastErr = nil
		}
		if lastErr == nil {
			break
		}

		statusCode, retryAfter := classifyAnthropicError(lastErr)
		if !retry.IsRetryable(statusCode, lastErr) {
			chunks <- &CompletionChunk{Error: wrapAnthropicError(lastErr, model)}
			return
		}
		if attempt == p.retry.MaxAttempts {
			break
		}
		delay := p.retry.Delay(attempt, retryAfter)
		select {
		case <-ctx.Done():
			chunks <- &CompletionChunk{Error: ctx.Err()}
			return
		case <-time.After(delay):
		}
	}

	if lastErr != nil {
		chunks <- &CompletionChunk{Error: errs.Wrap(errs.Upstream, "anthropic: retries exhausted", wrapAnthropicError(lastErr, model))}
		return
	}

	processStream(stream, chunks, model)
}

// processStream walks the Anthropic SSE stream, converting each event into a
// CompletionChunk. Grounded on haasonsaas-nexus's processStream, trimmed of
// the extended-thinking and computer-use-beta branches spec.md never asks
// for (the Agent Loop only emits a single synthetic "thinking" event per
// Turn, before the model call, not a per-delta reasoning stream).
func processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *CompletionChunk, model string) {
	var currentToolCall *ToolCall
	var currentToolInput strings.Builder
	emptyEvents := 0
	var inputTokens, outputTokens int64
	stopReason := "end_turn"

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int64(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			if cbs.ContentBlock.Type == "tool_use" {
				tu := cbs.ContentBlock.AsToolUse()
				currentToolCall = &ToolCall{ID: tu.ID, Name: tu.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &CompletionChunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Input = json.RawMessage(currentToolInput.String())
				chunks <- &CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int64(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			chunks <- &CompletionChunk{
				Done:         true,
				StopReason:   stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- &CompletionChunk{Error: wrapAnthropicError(errors.New("anthropic stream error"), model)}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &CompletionChunk{Error: wrapAnthropicError(
					fmt.Errorf("anthropic: stream appears malformed after %d empty events", emptyEvents), model)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &CompletionChunk{Error: wrapAnthropicError(err, model)}
	}
}

// Summarize implements contextbuilder.Summarizer and the Terminal-state
// one-line summary (spec §4.4 step 3, §4.8 Terminal) via a single
// non-streaming call against the cheap summary-model tier.
func (p *AnthropicProvider) Summarize(ctx context.Context, prompt string) (string, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.summaryModel),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", errs.Wrap(errs.Upstream, "anthropic: summary request failed", wrapAnthropicError(err, p.summaryModel))
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if text := block.AsText(); text.Text != "" {
			sb.WriteString(text.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return p.maxTokens
	}
	return maxTokens
}

// convertMessages translates provider-neutral messages into Anthropic's
// content-block form. System messages are dropped; callers route system
// prompts through CompletionRequest.System instead.
func convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		for _, tr := range m.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("tool call %q: invalid input json: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if m.Role == types.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

// convertTools translates the registry's tool specs into Anthropic's tool
// param form, reusing each tool's JSON Schema verbatim as the input schema.
func convertTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("tool %q: invalid input schema: %w", spec.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("tool %q: schema did not produce a tool definition", spec.Name)
		}
		toolParam.OfTool.Description = anthropic.String(spec.Description)
		out = append(out, toolParam)
	}
	return out, nil
}

// classifyAnthropicError extracts the HTTP status from err, if it is a
// *anthropic.Error, so the caller can consult the shared Retry Policy.
// The SDK's generated error type does not expose Retry-After separately
// from its raw JSON body, so retryAfterSeconds is always 0 here; the Retry
// Policy's exponential formula still applies.
func classifyAnthropicError(err error) (statusCode int, retryAfterSeconds float64) {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		statusCode = apiErr.StatusCode
	}
	return statusCode, 0
}

// wrapAnthropicError attaches the runtime's error taxonomy to an SDK error,
// classifying by status code the way the rest of the runtime does (spec
// §4.5's Upstream/Transient split).
func wrapAnthropicError(err error, model string) error {
	if err == nil {
		return nil
	}
	statusCode, _ := classifyAnthropicError(err)
	kind := errs.Upstream
	if retry.IsRetryable(statusCode, err) {
		kind = errs.Transient
	}
	logging.Warn().Err(err).Str("model", model).Int("statusCode", statusCode).Msg("anthropic request failed")
	return errs.Wrap(kind, fmt.Sprintf("anthropic request failed (model=%s)", model), err)
}
