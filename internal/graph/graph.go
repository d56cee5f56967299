// Package graph wires plan, router, worker, evaluator and replanner
// into the top-level state machine described by the engine: a single
// cooperative driver advancing one node at a time.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/relaymesh/reactor/core"
	"github.com/relaymesh/reactor/internal/composer"
	"github.com/relaymesh/reactor/internal/evaluator"
	"github.com/relaymesh/reactor/internal/plan"
	"github.com/relaymesh/reactor/internal/planparser"
	"github.com/relaymesh/reactor/internal/refresolve"
	"github.com/relaymesh/reactor/internal/registry"
	"github.com/relaymesh/reactor/internal/replanner"
	"github.com/relaymesh/reactor/internal/router"
	"github.com/relaymesh/reactor/internal/trace"
	"github.com/relaymesh/reactor/internal/worker"
	"github.com/relaymesh/reactor/sop"
	"github.com/relaymesh/reactor/telemetry"
)

// PlannerFunc produces plan text for task, given a replan hint (the
// required steps an earlier evaluator/replanner cycle surfaced, nil on
// the first call). Building the prompt and talking to an LLM is out of
// scope for this package; callers inject it.
type PlannerFunc func(ctx context.Context, task string, hint []plan.Step) (string, error)

// Engine bundles every collaborator the graph needs.
type Engine struct {
	Plan     PlannerFunc
	Classify router.IntentClassifier
	Registry *registry.Registry
	SOP      *sop.Registry
	Solve    composer.Solver
	Layout   []composer.Section
	Logger   core.ComponentAwareLogger
	Config   *core.Config
	// TraceSink, when set, receives every trace entry as it is added
	// (e.g. a storage.RedisTraceStore sink replicating the run's trace).
	TraceSink trace.SinkFunc
	// ReplanSink, when set, receives the replan state after every replan
	// transition (e.g. a storage.RedisReplanStore persisting snapshots).
	ReplanSink func(ctx context.Context, replan plan.ReplanState)
}

// Run drives a single raw_input through the full plan-execute-replan
// cycle and returns the rendered final answer.
func (e *Engine) Run(ctx context.Context, task string, wi plan.WorkingInput) (string, *trace.Collector, error) {
	if e.Config == nil {
		e.Config = core.DefaultConfig()
	}
	logger := e.Logger
	if logger == nil {
		logger = core.NewSimpleLogger("reactor/graph")
	}
	log := logger.WithComponent("graph")

	if core.RequestIDFromContext(ctx) == "" {
		ctx = core.WithRequestID(ctx, uuid.NewString())
	}

	tr := trace.NewCollector(e.Config.TraceEventType, e.TraceSink)
	replan := plan.ReplanState{MaxIterationLimit: e.Config.MaxIterationLimit}
	if wi.RecursionLim > 0 {
		replan.MaxIterationLimit = wi.RecursionLim
	}
	var hint []plan.Step
	var finalResult interface{}
	var reasoning, planText string
	var state *plan.ExecutionState
	var pending []string
	var activeQuery string
	var evalStatus plan.EvalStatus

	for {
		ctx, span := telemetry.StartSpan(ctx, "graph.plan")
		text, err := e.Plan(ctx, task, hint)
		telemetry.EndSpan(span, err)
		if err != nil {
			return "", tr, core.NewFrameworkError("graph.Run", "planner", err)
		}
		planText = text
		tr.Add("Planner", "正在为您规划任务…")
		log.DebugWithContext(ctx, "plan received", map[string]interface{}{"plan": core.Truncate(planText, 400)})

		var rawSteps []planparser.RawStep
		reasoning, rawSteps, err = planparser.Parse(planText)
		if err != nil {
			return "", tr, err
		}

		steps := buildSteps(rawSteps)
		state = plan.NewExecutionState(steps)
		pending = extractPendingQueries(rawSteps)

		evalStatus = e.runRouterWorkerLoop(ctx, state, &wi, &activeQuery, &pending, tr)

		for {
			if evalStatus == plan.EvalNone {
				lastResult, _, found := state.LastResult()
				out := evaluator.Evaluate(evaluator.Input{
					LastResult:      lastResult,
					LastResultFound: found,
					WorkingInput:    wi,
					PendingQueries:  pending,
					Replan:          replan,
					SOP:             e.SOP,
					State:           state,
				}, tr)
				evalStatus = out.Status
				if out.LastFailure != "" {
					replan.LastFailure = out.LastFailure
				}
				if out.Status == plan.EvalNextQuery {
					wi = out.WorkingInput
					pending = out.PendingQueries
					activeQuery = wi.Query
					id, ok := queryConsumerStep(state.Steps)
					if !ok || !state.Rewind(id) {
						// no step consumes the rotated query; drained
						evalStatus = plan.EvalDone
						break
					}
					evalStatus = e.runRouterWorkerLoop(ctx, state, &wi, &activeQuery, &pending, tr)
					continue
				}
				if out.Status == plan.EvalNeedReplan {
					hint = out.RequiredSteps
				}
			}
			break
		}

		if evalStatus == plan.EvalDone || evalStatus == plan.EvalFailed {
			if evalStatus == plan.EvalDone {
				finalResult = state.FinalResult()
			}
			break
		}

		// NEED_REPLAN
		rOut := replanner.Replan(replanner.Input{
			Replan:        replan,
			LastFailure:   replan.LastFailure,
			LastPlanText:  planText,
			LastResults:   snapshotResults(state),
			WorkingInput:  wi,
			RequiredSteps: hint,
		}, tr)
		replan = rOut.Replan
		telemetry.CountReplan(ctx)
		if e.ReplanSink != nil {
			e.ReplanSink(ctx, replan)
		}
		if rOut.Exhausted {
			log.WarnWithContext(ctx, "replan ceiling exceeded", map[string]interface{}{"count": replan.Count, "limit": replan.MaxIterationLimit})
			// The evaluator's ceiling end-gate terminates the run: with
			// count past the limit it forces FAILED regardless of the
			// last result.
			lastResult, _, found := state.LastResult()
			out := evaluator.Evaluate(evaluator.Input{
				LastResult:      lastResult,
				LastResultFound: found,
				WorkingInput:    wi,
				Replan:          replan,
				SOP:             e.SOP,
				State:           state,
			}, tr)
			evalStatus = out.Status
			break
		}
		log.InfoWithContext(ctx, "replanning", map[string]interface{}{"count": replan.Count, "last_failure": replan.LastFailure})
		wi = rOut.WorkingInput
		hint = rOut.RequiredSteps
		activeQuery = ""
	}

	if evalStatus == plan.EvalFailed {
		log.ErrorWithContext(ctx, "run failed", map[string]interface{}{"last_failure": replan.LastFailure})
		finalResult = nil
	}

	text, err := composer.ComposeText(ctx, composer.Params{
		Layout:            e.Layout,
		State:             state,
		ReasoningOverview: reasoning,
		PlanText:          planText,
		FinalResult:       finalResult,
		Solve:             e.Solve,
	})
	return text, tr, err
}

// runRouterWorkerLoop advances the cursor from wherever it sits until
// the execution state drains or a step forces an immediate eval
// override (unknown-agent failure, "others" skip). active carries the
// query a NEXT_QUERY rotation set; the router updates it as steps
// consume queries.
func (e *Engine) runRouterWorkerLoop(ctx context.Context, state *plan.ExecutionState, wi *plan.WorkingInput, active *string, pending *[]string, tr *trace.Collector) plan.EvalStatus {
	for !state.Drained() {
		step, _ := state.CurrentStep()

		var route *plan.Route
		var routes []plan.Route

		if step.Tag == plan.TagSerialCallAgent || step.Tag == plan.TagParallelCallAgent {
			out, err := router.Prepare(ctx, step, *wi, *active, *pending, e.Classify, state, tr)
			if err != nil {
				tr.Add("Router", fmt.Sprintf("routing failed: %v", err))
				return plan.EvalFailed
			}
			route = out.Route
			routes = out.Routes
			*wi = out.WorkingInput
			*active = out.ActiveQuery
			*pending = out.PendingLeft
		}

		outcome := worker.Execute(ctx, step, *wi, route, routes, state, e.Registry, tr, wi.IsStreaming)

		if outcome.Result.ID != "" {
			state.PutResult(step.ID, outcome.Result, outcome.Meta)
		}
		if outcome.WorkingInputPatch != nil {
			*wi = *outcome.WorkingInputPatch
		}
		if outcome.PendingQueriesPatch != nil {
			*pending = outcome.PendingQueriesPatch
		}
		if outcome.FinalResult != nil {
			state.SetResult(outcome.FinalResult)
		}

		if !outcome.Advance {
			return plan.EvalNone
		}
		state.Cursor++

		if outcome.EvalOverride != plan.EvalNone {
			return outcome.EvalOverride
		}
	}
	return plan.EvalNone
}

// queryConsumerStep returns the id of the step a NEXT_QUERY rotation
// re-routes: the first SerialCallAgent step after the last SplitQuery,
// or the first SerialCallAgent step at all when no SplitQuery exists.
func queryConsumerStep(steps []plan.Step) (string, bool) {
	lastSplit := -1
	for i, s := range steps {
		if s.Tag == plan.TagSplitQuery {
			lastSplit = i
		}
	}
	for i := lastSplit + 1; i < len(steps); i++ {
		if steps[i].Tag == plan.TagSerialCallAgent {
			return steps[i].ID, true
		}
	}
	return "", false
}

// buildSteps converts parser output into plan.Steps, applying explicit
// dependency extraction and the "latest prior SplitQuery" implicit
// inference rule.
func buildSteps(raw []planparser.RawStep) []plan.Step {
	steps := make([]plan.Step, 0, len(raw))
	lastSplitQuery := ""
	for _, r := range raw {
		deps := refresolve.ExtractDependencies(r.Raw)
		deps = refresolve.InferImplicitDependency(r.Tag, deps, lastSplitQuery)
		mode := "serial"
		group := ""
		if r.Tag == plan.TagParallelCallAgent {
			mode = "parallel"
			group = r.ID
		}
		steps = append(steps, plan.Step{
			ID:        r.ID,
			Desc:      r.Desc,
			Tag:       r.Tag,
			Mode:      mode,
			Group:     group,
			Raw:       r.Raw,
			DependsOn: deps,
		})
		if r.Tag == plan.TagSplitQuery {
			lastSplitQuery = r.ID
		}
	}
	return steps
}

// extractPendingQueries scans raw steps for the first SplitQuery and
// parses its payload as a JSON array (or comma-split fallback); absent
// one, pending queries stay empty and the worker/router fall back to
// working_input.query.
func extractPendingQueries(raw []planparser.RawStep) []string {
	for _, r := range raw {
		if r.Tag != plan.TagSplitQuery {
			continue
		}
		return parseQueryList(r.Raw)
	}
	return nil
}

// snapshotResults renders the current execution state's results into the
// plain map the replanner snapshots verbatim as last_results.
func snapshotResults(state *plan.ExecutionState) map[string]plan.StepResult {
	if state == nil {
		return nil
	}
	out := make(map[string]plan.StepResult)
	for _, id := range state.ResultIDs() {
		if r, ok := state.Result(id); ok {
			out[id] = r
		}
	}
	return out
}

// parseQueryList parses a SplitQuery payload as a JSON array of
// strings, falling back to a comma split when it isn't valid JSON.
func parseQueryList(raw string) []string {
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		return arr
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
