// Package worker dispatches the step at the execution cursor: it is the
// only component that writes StepResults and the only one that invokes
// agent dispatch.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/reactor/core"
	"github.com/relaymesh/reactor/internal/plan"
	"github.com/relaymesh/reactor/internal/refresolve"
	"github.com/relaymesh/reactor/internal/registry"
	"github.com/relaymesh/reactor/internal/trace"
	"github.com/relaymesh/reactor/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const maxParallelWorkers = 4
const appendHistoryTruncateLen = 2000

// Outcome is everything a step execution can produce: the written
// result/meta, any working-input or pending-queries patch, an optional
// immediate eval-status override, and whether the cursor should
// advance. "unknown" tag steps return Advance=false.
type Outcome struct {
	Result              plan.StepResult
	Meta                plan.Meta
	WorkingInputPatch   *plan.WorkingInput
	PendingQueriesPatch []string
	EvalOverride        plan.EvalStatus
	FinalResult         interface{}
	Advance             bool
}

// Execute dispatches step and returns its Outcome. route/routes are the
// prepared dispatch target(s) from the router (nil when the step
// doesn't route). reg resolves an agent name to its entry.
func Execute(
	ctx context.Context,
	step plan.Step,
	wi plan.WorkingInput,
	route *plan.Route,
	routes []plan.Route,
	results refresolve.Results,
	reg *registry.Registry,
	tr *trace.Collector,
	streaming bool,
) Outcome {
	started := time.Now()
	defer func() {
		telemetry.RecordStepDuration(ctx, string(step.Tag), time.Since(started))
	}()

	switch step.Tag {
	case plan.TagSplitQuery:
		return executeSplitQuery(step)
	case plan.TagSerialCallAgent:
		return executeSerialCallAgent(ctx, step, route, reg, tr)
	case plan.TagParallelCallAgent:
		return executeParallelCallAgent(ctx, step, routes, reg, tr, streaming)
	case plan.TagAppendHistory:
		return executeAppendHistory(step, wi, results)
	case plan.TagFinalOutput:
		return executeFinalOutput(step, wi, results)
	case plan.TagDispatchByIntent:
		return executeDispatchByIntent(ctx, step, wi, reg, tr)
	default:
		if tr != nil {
			tr.Add("Worker", fmt.Sprintf("unknown step tag %q", step.Tag))
		}
		return Outcome{Advance: false}
	}
}

func executeSplitQuery(step plan.Step) Outcome {
	queries := parseSplitQuery(step.Raw)
	return Outcome{
		Result:  plan.StepResult{ID: step.ID, Tag: step.Tag, Desc: step.Desc, Status: plan.StatusOK, Output: queries},
		Meta:    plan.Meta{Status: plan.StatusOK},
		Advance: true,
	}
}

func parseSplitQuery(raw string) []interface{} {
	var arr []interface{}
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		return arr
	}
	parts := strings.Split(raw, ",")
	out := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func executeSerialCallAgent(ctx context.Context, step plan.Step, route *plan.Route, reg *registry.Registry, tr *trace.Collector) Outcome {
	if route == nil {
		return failOutcome(step, "route not prepared", plan.EvalFailed)
	}

	if route.Agent == "others" {
		return Outcome{
			Result:       plan.StepResult{ID: step.ID, Tag: step.Tag, Desc: step.Desc, Status: plan.StatusSkipped},
			Meta:         plan.Meta{Agent: route.Agent, Query: route.Query, Status: plan.StatusSkipped},
			EvalOverride: plan.EvalDone,
			Advance:      true,
		}
	}

	entry, ok := reg.Lookup(route.Agent)
	if !ok {
		return failOutcome(step, core.ErrAgentNotRegistered.Error(), plan.EvalFailed)
	}

	ctx, span := telemetry.StartSpan(ctx, "worker.call_agent")
	defer span.End()
	telemetry.SetSpanAttributes(ctx, attribute.String("agent", route.Agent))

	result := registry.Dispatch(ctx, entry, route.Payload)

	if tr != nil {
		tr.Add("Worker", fmt.Sprintf("called %s", route.Agent))
	}

	if result.Status == "fail" {
		telemetry.AddSpanEvent(ctx, "agent_call_failed")
		return Outcome{
			Result: plan.StepResult{ID: step.ID, Tag: step.Tag, Desc: step.Desc, Status: plan.StatusFail, Error: result.Error},
			Meta:   plan.Meta{Agent: route.Agent, Query: route.Query, Status: plan.StatusFail},
			Advance: true,
		}
	}

	return Outcome{
		Result:  plan.StepResult{ID: step.ID, Tag: step.Tag, Desc: step.Desc, Status: plan.StatusOK, Output: result.Output},
		Meta:    plan.Meta{Agent: route.Agent, Query: route.Query, Status: plan.StatusOK},
		Advance: true,
	}
}

// parallelItem is one route's outcome before reordering.
type parallelItem struct {
	index  int
	output map[string]interface{}
	meta   plan.Meta
}

func executeParallelCallAgent(ctx context.Context, step plan.Step, routes []plan.Route, reg *registry.Registry, tr *trace.Collector, streaming bool) Outcome {
	if len(routes) == 0 {
		return failOutcome(step, "route not prepared", plan.EvalNone)
	}

	ctx, span := telemetry.StartSpan(ctx, "worker.parallel_call_agent")
	defer span.End()

	var items []parallelItem
	if streaming {
		if tr != nil {
			tr.Add("Worker", "streaming mode: degrading parallel fan-out to sequential")
		}
		items = runSequential(ctx, routes, reg, tr)
	} else {
		items = runParallel(ctx, routes, reg, tr)
	}

	outputs := make([]interface{}, len(items))
	itemMetas := make([]plan.Meta, len(items))
	for _, it := range items {
		outputs[it.index] = it.output
		itemMetas[it.index] = it.meta
	}

	return Outcome{
		Result:  plan.StepResult{ID: step.ID, Tag: step.Tag, Desc: step.Desc, Status: plan.StatusOK, Output: outputs},
		Meta:    plan.Meta{Status: plan.StatusOK, Items: itemMetas},
		Advance: true,
	}
}

func dispatchRoute(ctx context.Context, index int, route plan.Route, reg *registry.Registry) (item parallelItem) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.AddSpanEvent(ctx, "route_panic",
				attribute.String("agent", route.Agent),
				attribute.String("stack", string(debug.Stack())))
			item = parallelItem{
				index: index,
				output: map[string]interface{}{
					"agent": route.Agent, "status": "fail",
					"error": fmt.Sprintf("panic: %v", r),
				},
				meta: plan.Meta{Agent: route.Agent, Query: route.Query, Status: plan.StatusFail},
			}
		}
	}()

	entry, ok := reg.Lookup(route.Agent)
	if !ok {
		return parallelItem{
			index:  index,
			output: map[string]interface{}{"agent": route.Agent, "status": "fail", "error": core.ErrAgentNotRegistered.Error()},
			meta:   plan.Meta{Agent: route.Agent, Query: route.Query, Status: plan.StatusFail},
		}
	}

	result := registry.Dispatch(ctx, entry, route.Payload)
	if result.Status == "fail" {
		return parallelItem{
			index:  index,
			output: map[string]interface{}{"agent": route.Agent, "status": "fail", "error": result.Error},
			meta:   plan.Meta{Agent: route.Agent, Query: route.Query, Status: plan.StatusFail},
		}
	}
	return parallelItem{
		index:  index,
		output: map[string]interface{}{"agent": route.Agent, "status": "ok", "output": result.Output},
		meta:   plan.Meta{Agent: route.Agent, Query: route.Query, Status: plan.StatusOK},
	}
}

func runParallel(ctx context.Context, routes []plan.Route, reg *registry.Registry, tr *trace.Collector) []parallelItem {
	concurrency := maxParallelWorkers
	if len(routes) < concurrency {
		concurrency = len(routes)
	}
	sem := make(chan struct{}, concurrency)
	results := make([]parallelItem, len(routes))
	var wg sync.WaitGroup

	for i, route := range routes {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, route plan.Route) {
			defer wg.Done()
			defer func() { <-sem }()
			item := dispatchRoute(ctx, i, route, reg)
			results[i] = item
			if tr != nil {
				tr.Add("Worker", fmt.Sprintf("route %s completed", route.Agent))
			}
		}(i, route)
	}
	wg.Wait()
	return results
}

func runSequential(ctx context.Context, routes []plan.Route, reg *registry.Registry, tr *trace.Collector) []parallelItem {
	items := make([]parallelItem, len(routes))
	for i, route := range routes {
		items[i] = dispatchRoute(ctx, i, route, reg)
		if tr != nil {
			tr.Add("Worker", fmt.Sprintf("route %s completed", route.Agent))
		}
	}
	return items
}

func executeAppendHistory(step plan.Step, wi plan.WorkingInput, results refresolve.Results) Outcome {
	resolved := refresolve.Resolve(rawToValue(step.Raw), wi.AsMap(), results)

	userText := wi.Query
	assistantText := truncateRunes(toAssistantText(resolved), appendHistoryTruncateLen)

	next := wi.Clone()
	next.History = append(next.History,
		plan.HistoryTurn{Role: "user", Content: userText},
		plan.HistoryTurn{Role: "assistant", Content: assistantText},
	)

	return Outcome{
		Result:            plan.StepResult{ID: step.ID, Tag: step.Tag, Desc: step.Desc, Status: plan.StatusOK, Output: resolved},
		Meta:              plan.Meta{Status: plan.StatusOK},
		WorkingInputPatch: &next,
		Advance:           true,
	}
}

// toAssistantText aggregates a resolved payload into a flat string: if
// it carries the streaming sentinel key, concatenate each frame's text
// field; otherwise look for a plain "output"/"text" field; otherwise
// fall back to its JSON encoding.
func toAssistantText(payload interface{}) string {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return stringify(payload)
	}
	if raw, ok := m[plan.StreamRawEventsKey]; ok {
		return aggregateStreamEvents(raw)
	}
	if text, ok := m["text"].(string); ok {
		return text
	}
	if output, ok := m["output"]; ok {
		return stringify(output)
	}
	return stringify(m)
}

func aggregateStreamEvents(raw interface{}) string {
	events, ok := raw.([]registry.Event)
	if !ok {
		return stringify(raw)
	}
	var b strings.Builder
	for _, e := range events {
		if e["type"] == "graph_trace" {
			continue
		}
		if text, ok := e["text"].(string); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

// truncateRunes cuts s to at most n runes. Unlike a log-style ellipsis
// truncation, history turns must stay within the hard length bound.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func stringify(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func rawToValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func executeFinalOutput(step plan.Step, wi plan.WorkingInput, results refresolve.Results) Outcome {
	resolved := refresolve.Resolve(rawToValue(step.Raw), wi.AsMap(), results)
	return Outcome{
		Result:      plan.StepResult{ID: step.ID, Tag: step.Tag, Desc: step.Desc, Status: plan.StatusOK, Output: resolved},
		Meta:        plan.Meta{Status: plan.StatusOK},
		FinalResult: resolved,
		Advance:     true,
	}
}

func executeDispatchByIntent(ctx context.Context, step plan.Step, wi plan.WorkingInput, reg *registry.Registry, tr *trace.Collector) Outcome {
	entry, ok := reg.SelectByIntentPrefix(wi.Intent)
	if !ok {
		return failOutcome(step, core.ErrAgentNotRegistered.Error(), plan.EvalFailed)
	}

	result := registry.Dispatch(ctx, entry, wi.AsMap())
	if tr != nil {
		tr.Add("Worker", fmt.Sprintf("dispatched by intent to %s", entry.Name))
	}
	if result.Status == "fail" {
		return Outcome{
			Result:  plan.StepResult{ID: step.ID, Tag: step.Tag, Desc: step.Desc, Status: plan.StatusFail, Error: result.Error},
			Meta:    plan.Meta{Agent: entry.Name, Status: plan.StatusFail},
			Advance: true,
		}
	}
	return Outcome{
		Result:  plan.StepResult{ID: step.ID, Tag: step.Tag, Desc: step.Desc, Status: plan.StatusOK, Output: result.Output},
		Meta:    plan.Meta{Agent: entry.Name, Status: plan.StatusOK},
		Advance: true,
	}
}

func failOutcome(step plan.Step, errMsg string, override plan.EvalStatus) Outcome {
	return Outcome{
		Result:       plan.StepResult{ID: step.ID, Tag: step.Tag, Desc: step.Desc, Status: plan.StatusFail, Error: errMsg},
		Meta:         plan.Meta{Status: plan.StatusFail},
		EvalOverride: override,
		Advance:      true,
	}
}
