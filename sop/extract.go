package sop

import (
	"fmt"

	"github.com/relaymesh/reactor/internal/plan"
)

// MetaSource is the minimal read surface needed to walk an execution's
// result_meta and outputs by insertion order.
type MetaSource interface {
	ResultIDs() []string
	Result(id string) (plan.StepResult, bool)
	Meta(id string) (plan.Meta, bool)
}

// ExtractSlots applies def's extractors, in priority order, filling any
// slot not already present in slots. The first result whose meta.Agent
// matches an extractor's From and holds a non-nil value at its Path
// wins; slots already set are left alone.
func ExtractSlots(def Definition, src MetaSource, slots map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(slots))
	for k, v := range slots {
		out[k] = v
	}

	for _, ex := range def.Extractors {
		if _, already := out[ex.Slot]; already {
			continue
		}
		for _, id := range src.ResultIDs() {
			meta, ok := src.Meta(id)
			if !ok || meta.Agent != ex.From {
				continue
			}
			result, ok := src.Result(id)
			if !ok {
				continue
			}
			if v := getByPath(result.Output, ex.Path); v != nil {
				out[ex.Slot] = v
				break
			}
		}
	}
	return out
}

func getByPath(value interface{}, path string) interface{} {
	if path == "" {
		return value
	}
	cur := value
	for _, seg := range splitPath(path) {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		v, ok := m[seg]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

// doneAgents collects the set of agent names that have a recorded
// result, used to decide which preconditions are already satisfied.
func doneAgents(src MetaSource) map[string]bool {
	done := make(map[string]bool)
	for _, id := range src.ResultIDs() {
		if meta, ok := src.Meta(id); ok && meta.Agent != "" {
			done[meta.Agent] = true
		}
	}
	return done
}

// RequiredSteps builds the call_agent steps needed for unmet
// preconditions (var "#PC_<id>") and ask_user steps for unmet required
// slots (var "#ASK_<key>"). AskUser steps are included in the returned
// list but the worker has no executor for them yet: see the engine's
// notes on interactive transport.
func RequiredSteps(def Definition, src MetaSource, slots map[string]interface{}) []plan.Step {
	var steps []plan.Step
	done := doneAgents(src)

	for _, pc := range def.Preconditions {
		if done[pc.Agent] {
			continue
		}
		steps = append(steps, plan.Step{
			ID:  fmt.Sprintf("PC_%s", pc.ID),
			Tag: plan.TagSerialCallAgent,
			Raw: fmt.Sprintf(`{"agent":"%s"}`, pc.Agent),
		})
	}

	for _, slot := range def.RequiredSlots {
		if _, ok := slots[slot]; ok {
			continue
		}
		steps = append(steps, plan.Step{
			ID:  fmt.Sprintf("ASK_%s", slot),
			Tag: plan.StepTag("AskUser"),
			Raw: slot,
		})
	}

	return steps
}
