// Package evaluator classifies the outcome of a drained worker cursor
// into the next control-flow transition.
package evaluator

import (
	"github.com/relaymesh/reactor/internal/plan"
	"github.com/relaymesh/reactor/internal/trace"
	"github.com/relaymesh/reactor/sop"
)

// Input is everything the evaluator needs to read. It never mutates its
// arguments; callers merge the returned Outcome into canonical state.
type Input struct {
	LastResult      plan.StepResult
	LastResultFound bool
	WorkingInput    plan.WorkingInput
	PendingQueries  []string
	Replan          plan.ReplanState
	SOP             *sop.Registry
	State           sop.MetaSource
	Slots           map[string]interface{}
}

// Outcome is the evaluator's verdict plus any state patches it implies.
type Outcome struct {
	Status         plan.EvalStatus
	LastFailure    string // set only the first time a failure is seen
	RequiredSteps  []plan.Step
	WorkingInput   plan.WorkingInput // patched for NEXT_QUERY rotation
	PendingQueries []string
}

// Evaluate implements the four-branch classification plus the retry
// ceiling override. The ceiling check is the end-gate the graph routes
// through after an exhausted replan; the replanner already traced the
// user-facing apology, so this branch only forces the FAILED verdict.
func Evaluate(in Input, tr *trace.Collector) Outcome {
	if in.Replan.Count > in.Replan.MaxIterationLimit {
		return Outcome{Status: plan.EvalFailed}
	}

	if isFailure(in.LastResult, in.LastResultFound) {
		out := Outcome{Status: plan.EvalNeedReplan}
		if in.Replan.LastFailure == "" {
			out.LastFailure = failureReason(in.LastResult)
		}
		if tr != nil {
			tr.Add("Evaluator", "正在为您重新规划任务…")
		}
		return out
	}

	if in.SOP != nil {
		if def, ok := in.SOP.Lookup(in.WorkingInput.Intent); ok {
			slots := sop.ExtractSlots(def, in.State, in.Slots)
			required := sop.RequiredSteps(def, in.State, slots)
			if len(required) > 0 {
				return Outcome{Status: plan.EvalNeedReplan, RequiredSteps: required}
			}
		}
	}

	if len(in.PendingQueries) > 0 {
		next := in.WorkingInput.Clone()
		next.PrevIntent = next.Intent
		next.Intent = ""
		next.Query = in.PendingQueries[0]
		return Outcome{
			Status:         plan.EvalNextQuery,
			WorkingInput:   next,
			PendingQueries: in.PendingQueries[1:],
		}
	}

	if tr != nil {
		tr.AddText("DONE")
	}
	return Outcome{Status: plan.EvalDone}
}

// isFailure reports whether result represents a failed step, per the
// "empty result -> DONE" resolution: a completely empty result (no
// status, no output, no error) is not a failure.
func isFailure(result plan.StepResult, found bool) bool {
	if !found {
		return false
	}
	if result.Status == plan.StatusFail {
		return true
	}
	if nested, ok := result.Output.(map[string]interface{}); ok {
		if status, _ := nested["status"].(string); status == "fail" {
			return true
		}
	}
	return false
}

func failureReason(result plan.StepResult) string {
	if result.Error != "" {
		return result.Error
	}
	if nested, ok := result.Output.(map[string]interface{}); ok {
		for _, key := range []string{"reason", "error", "message"} {
			if s, ok := nested[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return "unknown"
}
