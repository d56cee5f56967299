// Package refresolve resolves the reference grammar used inside plan
// step payloads: $WORKING_INPUT, #Ek, #Ek.dotted.path, and call-config
// mappings whose input field needs recursive resolution.
package refresolve

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/relaymesh/reactor/internal/plan"
)

const workingInputSentinel = "$WORKING_INPUT"

var stepRefRe = regexp.MustCompile(`^#(E\d+)(?:\.(.+))?$`)

// tokenRe finds every #E<n> occurrence in a raw string, used for
// dependency extraction before resolution happens.
var tokenRe = regexp.MustCompile(`#E\d+`)

// Results is the minimal read surface the resolver needs from an
// execution state: output lookup by step id.
type Results interface {
	Result(id string) (plan.StepResult, bool)
}

// Resolve walks value, substituting $WORKING_INPUT, #Ek and #Ek.path
// references. Any value that isn't a recognized reference, including
// plain strings, is returned unchanged. Missing JSON paths resolve to
// nil, never an error.
func Resolve(value interface{}, workingInput map[string]interface{}, results Results) interface{} {
	switch v := value.(type) {
	case string:
		return resolveString(v, workingInput, results)
	case map[string]interface{}:
		return resolveMap(v, workingInput, results)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = Resolve(item, workingInput, results)
		}
		return out
	default:
		return value
	}
}

func resolveString(s string, workingInput map[string]interface{}, results Results) interface{} {
	if s == workingInputSentinel {
		return copyMap(workingInput)
	}
	if m := stepRefRe.FindStringSubmatch(s); m != nil {
		return resolveStepRef(m[1], m[2], results)
	}
	return s
}

func resolveStepRef(stepID, path string, results Results) interface{} {
	result, ok := results.Result(stepID)
	if !ok {
		return nil
	}
	if path == "" {
		return result.Output
	}
	return getByPath(result.Output, strings.Split(path, "."))
}

// resolveMap treats a mapping containing agent/query/input keys as a
// call config whose input is resolved recursively; any other mapping is
// resolved key-by-key.
func resolveMap(m map[string]interface{}, workingInput map[string]interface{}, results Results) interface{} {
	out := make(map[string]interface{}, len(m))
	_, hasAgent := m["agent"]
	_, hasQuery := m["query"]
	_, hasInput := m["input"]
	isCallConfig := hasAgent || hasQuery || hasInput
	for k, v := range m {
		if !isCallConfig || k == "input" {
			out[k] = Resolve(v, workingInput, results)
			continue
		}
		out[k] = v
	}
	return out
}

// getByPath walks a dotted JSON path through nested maps/slices,
// returning nil on any miss rather than an error.
func getByPath(value interface{}, segments []string) interface{} {
	cur := value
	for _, seg := range segments {
		if cur == nil {
			return nil
		}
		switch c := cur.(type) {
		case map[string]interface{}:
			v, ok := c[seg]
			if !ok {
				return nil
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil
			}
			cur = c[idx]
		default:
			return nil
		}
	}
	return cur
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ExtractDependencies scans raw for #E<n> tokens, returning the set of
// referenced step ids before any resolution happens.
func ExtractDependencies(raw string) map[string]struct{} {
	tokens := tokenRe.FindAllString(raw, -1)
	if len(tokens) == 0 {
		return nil
	}
	deps := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		deps[strings.TrimPrefix(tok, "#")] = struct{}{}
	}
	return deps
}

// InferImplicitDependency applies the "latest prior SplitQuery" rule: a
// SerialCallAgent/ParallelCallAgent step whose raw payload carries no
// explicit #Ek token instead depends on the most recent SplitQuery step
// that precedes it.
func InferImplicitDependency(tag plan.StepTag, explicit map[string]struct{}, lastSplitQueryID string) map[string]struct{} {
	if len(explicit) > 0 {
		return explicit
	}
	if lastSplitQueryID == "" {
		return explicit
	}
	switch tag {
	case plan.TagSerialCallAgent, plan.TagParallelCallAgent:
		return map[string]struct{}{lastSplitQueryID: {}}
	default:
		return explicit
	}
}
