// Package replanner fires when the evaluator requests NEED_REPLAN: it
// snapshots the failed attempt, checks the iteration ceiling, and clears
// execution state for a fresh plan.
package replanner

import (
	"encoding/json"
	"fmt"

	"github.com/relaymesh/reactor/internal/plan"
	"github.com/relaymesh/reactor/internal/trace"
)

// Input bundles the state the replanner reads.
type Input struct {
	Replan        plan.ReplanState
	LastFailure   string
	LastPlanText  string
	LastResults   interface{}
	WorkingInput  plan.WorkingInput
	RequiredSteps []plan.Step
}

// Outcome is the patch the driver merges back in. Exhausted signals
// that the ceiling was crossed: the driver must force FAILED rather
// than hand required steps to the planner.
type Outcome struct {
	Replan        plan.ReplanState
	WorkingInput  plan.WorkingInput
	RequiredSteps []plan.Step
	Exhausted     bool
}

const exhaustionApology = "非常抱歉，多次尝试后仍未能完成您的任务，请稍后重试或转接人工客服。"

// Replan implements the five-step replan procedure. It never mutates
// Input's fields; the caller's ExecutionState is discarded by the
// caller once Outcome is applied.
func Replan(in Input, tr *trace.Collector) Outcome {
	next := in.Replan
	next.LastFailure = firstNonEmpty(in.Replan.LastFailure, in.LastFailure)
	next.LastPlan = in.LastPlanText
	next.LastResults = marshalResults(in.LastResults)

	next.Count++
	if next.Count > next.MaxIterationLimit {
		if tr != nil {
			tr.Add("Replanner", exhaustionApology)
		}
		return Outcome{Replan: next, Exhausted: true}
	}

	wi := in.WorkingInput.Clone()
	if len(wi.History) > 1 {
		wi.History = wi.History[len(wi.History)-1:]
	}

	if tr != nil {
		tr.Add("Replanner", fmt.Sprintf("Replan task. Insert %d steps.", len(in.RequiredSteps)))
	}

	return Outcome{
		Replan:        next,
		WorkingInput:  wi,
		RequiredSteps: in.RequiredSteps,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return "unknown"
}

func marshalResults(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return json.RawMessage(b)
}
