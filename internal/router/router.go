// Package router prepares one or more dispatch Routes for the step at
// the execution cursor. It reads state but never advances the cursor
// and has no side effects beyond trace notes and working-input updates.
package router

import (
	"context"
	"encoding/json"

	"github.com/relaymesh/reactor/internal/plan"
	"github.com/relaymesh/reactor/internal/refresolve"
	"github.com/relaymesh/reactor/internal/trace"
)

// IntentClassifier classifies a query given its history and the
// previous turn's intent. "others" is reserved for "no agent applies".
type IntentClassifier func(ctx context.Context, query string, history []plan.HistoryTurn, prevIntent string) (string, error)

// Outcome is what the router hands back to the driver: the prepared
// route(s), the active query this pass settled on, and the
// working-input patch to merge in.
type Outcome struct {
	Route        *plan.Route
	Routes       []plan.Route
	ActiveQuery  string
	WorkingInput plan.WorkingInput
	PendingLeft  []string
}

// Prepare routes the step at the cursor. activeQuery is the query a
// NEXT_QUERY rotation set, or "" when none is active; it takes
// precedence over the pending queue. Any tag other than
// SerialCallAgent/ParallelCallAgent is a no-op: the worker handles it
// directly.
func Prepare(
	ctx context.Context,
	step plan.Step,
	workingInput plan.WorkingInput,
	activeQuery string,
	pendingQueries []string,
	classify IntentClassifier,
	results refresolve.Results,
	tr *trace.Collector,
) (Outcome, error) {
	switch step.Tag {
	case plan.TagSerialCallAgent:
		return prepareSerial(ctx, step, workingInput, activeQuery, pendingQueries, classify, results, tr)
	case plan.TagParallelCallAgent:
		return prepareParallel(ctx, step, workingInput, activeQuery, pendingQueries, classify, results, tr)
	default:
		return Outcome{ActiveQuery: activeQuery, WorkingInput: workingInput, PendingLeft: pendingQueries}, nil
	}
}

func nextActiveQuery(existing string, pending []string, fallback string) (string, []string) {
	if existing != "" {
		return existing, pending
	}
	if len(pending) > 0 {
		return pending[0], pending[1:]
	}
	return fallback, pending
}

func prepareSerial(
	ctx context.Context,
	step plan.Step,
	wi plan.WorkingInput,
	active string,
	pending []string,
	classify IntentClassifier,
	results refresolve.Results,
	tr *trace.Collector,
) (Outcome, error) {
	var cfg plan.CallConfig
	_ = json.Unmarshal([]byte(step.Raw), &cfg)

	activeQuery, remaining := nextActiveQuery(active, pending, wi.Query)
	if cfg.Query != "" {
		activeQuery = cfg.Query
	}

	payload := wi.AsMap()
	payload["query"] = activeQuery
	if cfg.Input != nil {
		payload["input"] = refresolve.Resolve(cfg.Input, wi.AsMap(), results)
	}

	intent, err := classifyOrDefault(ctx, classify, activeQuery, wi.History, wi.PrevIntent)
	if err != nil {
		return Outcome{}, err
	}

	next := wi.Clone()
	next.Query = activeQuery
	next.Intent = intent

	if tr != nil {
		tr.Add("Router", "query = "+activeQuery+", intent = "+intent)
	}

	// Only a NEXT_QUERY rotation sets the persistent active query; a
	// query popped from the pending queue is consumed by this step
	// alone, so later serial steps keep popping in order.
	route := &plan.Route{Agent: cfg.Agent, Payload: payload, Query: activeQuery, Intent: intent}
	return Outcome{Route: route, ActiveQuery: active, WorkingInput: next, PendingLeft: remaining}, nil
}

func prepareParallel(
	ctx context.Context,
	step plan.Step,
	wi plan.WorkingInput,
	active string,
	pending []string,
	classify IntentClassifier,
	results refresolve.Results,
	tr *trace.Collector,
) (Outcome, error) {
	var configs []plan.CallConfig
	_ = json.Unmarshal([]byte(step.Raw), &configs)

	routes := make([]plan.Route, 0, len(configs))
	remaining := pending

	for _, cfg := range configs {
		var activeQuery string
		switch {
		case cfg.Query != "":
			activeQuery = cfg.Query
		case len(remaining) > 0:
			activeQuery = remaining[0]
			remaining = remaining[1:]
		case active != "":
			activeQuery = active
		default:
			activeQuery = wi.Query
		}

		payload := wi.AsMap()
		payload["query"] = activeQuery
		if cfg.Input != nil {
			payload["input"] = refresolve.Resolve(cfg.Input, wi.AsMap(), results)
		}

		intent, err := classifyOrDefault(ctx, classify, activeQuery, wi.History, wi.PrevIntent)
		if err != nil {
			return Outcome{}, err
		}

		routes = append(routes, plan.Route{Agent: cfg.Agent, Payload: payload, Query: activeQuery, Intent: intent})
	}

	if tr != nil {
		tr.Add("Router", "prepared parallel routes")
	}

	// ParallelCallAgent clears pending_queries once configs are consumed.
	return Outcome{Routes: routes, ActiveQuery: active, WorkingInput: wi, PendingLeft: nil}, nil
}

func classifyOrDefault(ctx context.Context, classify IntentClassifier, query string, history []plan.HistoryTurn, prevIntent string) (string, error) {
	if classify == nil {
		return "others", nil
	}
	return classify(ctx, query, history, prevIntent)
}
