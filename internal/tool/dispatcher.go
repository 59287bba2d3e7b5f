package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klaus-code/agentd/internal/errs"
	"github.com/klaus-code/agentd/internal/store"
	"github.com/klaus-code/agentd/pkg/types"
)

// Call is one model-requested tool invocation.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Outcome pairs a Call with its Result (or error) and the tool-call record
// id it was persisted under.
type Outcome struct {
	Call       Call
	Result     *Result
	Err        error
	DurationMs int64
}

// Dispatcher executes tool calls against a Registry, persisting every
// outcome to Store and partitioning a turn's tool-use blocks into a
// concurrent read-only batch and a sequential side-effecting batch per
// spec §4.8's DispatchingTools state.
type Dispatcher struct {
	registry *Registry
	store    *store.Store
}

// NewDispatcher builds a Dispatcher over registry, recording outcomes to st.
func NewDispatcher(registry *Registry, st *store.Store) *Dispatcher {
	return &Dispatcher{registry: registry, store: st}
}

// DispatchTurn runs every call in calls: read-only tools concurrently with
// each other, side-effecting tools strictly in the order given (spec
// §4.8's "read-only run concurrently / side-effecting sequentially").
// Relative order within each class is preserved in the returned slice.
func (d *Dispatcher) DispatchTurn(ctx context.Context, toolCtx *Context, calls []Call) []Outcome {
	outcomes := make([]Outcome, len(calls))
	var readOnlyIdx, sideEffectIdx []int

	for i, c := range calls {
		def, ok := d.registry.Get(c.Name)
		if ok && def.ReadOnly {
			readOnlyIdx = append(readOnlyIdx, i)
		} else {
			sideEffectIdx = append(sideEffectIdx, i)
		}
	}

	var wg sync.WaitGroup
	for _, i := range readOnlyIdx {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = d.execute(ctx, toolCtx, calls[i])
		}(i)
	}
	wg.Wait()

	for _, i := range sideEffectIdx {
		outcomes[i] = d.execute(ctx, toolCtx, calls[i])
	}

	return outcomes
}

// execute validates input, runs the tool's secret-scan gate if applicable,
// invokes its handler, summarizes large output, and records the outcome.
func (d *Dispatcher) execute(ctx context.Context, toolCtx *Context, call Call) Outcome {
	start := time.Now()
	outcome := Outcome{Call: call}

	def, ok := d.registry.Get(call.Name)
	if !ok {
		outcome.Err = errs.New(errs.Validation, fmt.Sprintf("unknown tool %q", call.Name))
		outcome.Result = &Result{Output: outcome.Err.Error(), IsError: true}
		d.record(ctx, toolCtx, call, outcome, start)
		return outcome
	}

	if err := d.registry.Validate(call.Name, call.Input); err != nil {
		outcome.Err = err
		outcome.Result = &Result{Output: err.Error(), IsError: true}
		d.record(ctx, toolCtx, call, outcome, start)
		return outcome
	}

	// git_checkpoint must never commit a secret into history (spec §4.8
	// step 3 / §8 scenario 4): scan the would-be commit's working-tree
	// diff before the underlying git tool runs at all.
	if call.Name == "git_checkpoint" {
		var params struct {
			Diff string `json:"diff"`
		}
		_ = json.Unmarshal(call.Input, &params)
		if matched, pattern := ScanForSecrets(params.Diff); matched {
			blocked := errs.New(errs.SecretScanBlocked, fmt.Sprintf("checkpoint blocked: matched secret pattern %s", pattern))
			outcome.Err = blocked
			outcome.Result = &Result{Output: blocked.Error(), IsError: true}
			d.record(ctx, toolCtx, call, outcome, start)
			return outcome
		}
	}

	result, err := def.Handler(ctx, toolCtx, call.Input)
	if err != nil {
		outcome.Err = err
		outcome.Result = &Result{Output: err.Error(), IsError: true}
		d.record(ctx, toolCtx, call, outcome, start)
		return outcome
	}

	kind := KindFor(call.Name)
	result.Output = Summarize(kind, result.Output, splitLines(result.Output))
	outcome.Result = result
	d.record(ctx, toolCtx, call, outcome, start)
	return outcome
}

func (d *Dispatcher) record(ctx context.Context, toolCtx *Context, call Call, outcome Outcome, start time.Time) {
	outcome.DurationMs = time.Since(start).Milliseconds()
	if d.store == nil || toolCtx == nil {
		return
	}
	var output *string
	success := outcome.Err == nil
	if outcome.Result != nil {
		o := outcome.Result.Output
		output = &o
		success = success && !outcome.Result.IsError
	}
	_ = d.store.RecordToolCall(ctx, types.ToolCall{
		SessionID:  toolCtx.SessionID,
		ToolName:   call.Name,
		Input:      string(call.Input),
		Output:     output,
		Success:    success,
		DurationMs: outcome.DurationMs,
	})
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
