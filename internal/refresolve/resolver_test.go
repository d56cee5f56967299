package refresolve

import (
	"testing"

	"github.com/relaymesh/reactor/internal/plan"
	"github.com/stretchr/testify/assert"
)

type fakeResults struct {
	m map[string]plan.StepResult
}

func (f fakeResults) Result(id string) (plan.StepResult, bool) {
	r, ok := f.m[id]
	return r, ok
}

func TestResolveWorkingInputSentinel(t *testing.T) {
	wi := map[string]interface{}{"query": "hello"}
	got := Resolve(workingInputSentinel, wi, fakeResults{})
	assert.Equal(t, wi, got)

	// returned map must be an independent copy
	got.(map[string]interface{})["query"] = "mutated"
	assert.Equal(t, "hello", wi["query"])
}

func TestResolveStepReference(t *testing.T) {
	results := fakeResults{m: map[string]plan.StepResult{
		"E1": {ID: "E1", Output: map[string]interface{}{"balance": 1234}},
	}}
	assert.Equal(t, map[string]interface{}{"balance": 1234}, Resolve("#E1", nil, results))
}

func TestResolveStepReferenceWithPath(t *testing.T) {
	results := fakeResults{m: map[string]plan.StepResult{
		"E1": {ID: "E1", Output: map[string]interface{}{
			"data": map[string]interface{}{"balance": 1234},
		}},
	}}
	assert.Equal(t, 1234, Resolve("#E1.data.balance", nil, results))
}

func TestResolveMissingPathYieldsNil(t *testing.T) {
	results := fakeResults{m: map[string]plan.StepResult{
		"E1": {ID: "E1", Output: map[string]interface{}{"balance": 1234}},
	}}
	assert.Nil(t, Resolve("#E1.missing.field", nil, results))
}

func TestResolveUnresolvedStepYieldsNil(t *testing.T) {
	assert.Nil(t, Resolve("#E9", nil, fakeResults{}))
}

func TestResolvePlainStringUnchanged(t *testing.T) {
	assert.Equal(t, "just text", Resolve("just text", nil, fakeResults{}))
}

func TestResolveCallConfigRecursesIntoInput(t *testing.T) {
	results := fakeResults{m: map[string]plan.StepResult{
		"E1": {ID: "E1", Output: "resolved value"},
	}}
	cfg := map[string]interface{}{
		"agent": "wealth_agent",
		"input": "#E1",
	}
	got := Resolve(cfg, nil, results).(map[string]interface{})
	assert.Equal(t, "resolved value", got["input"])
	assert.Equal(t, "wealth_agent", got["agent"])
}

func TestExtractDependenciesFindsAllTokens(t *testing.T) {
	deps := ExtractDependencies(`{"input": "#E1", "other": "#E2.path"}`)
	assert.Equal(t, map[string]struct{}{"E1": {}, "E2": {}}, deps)
}

func TestExtractDependenciesNoneFound(t *testing.T) {
	assert.Nil(t, ExtractDependencies(`{"agent":"ghost"}`))
}

func TestInferImplicitDependencyAppliesOnlyWhenNoExplicitRefs(t *testing.T) {
	got := InferImplicitDependency(plan.TagSerialCallAgent, nil, "E1")
	assert.Equal(t, map[string]struct{}{"E1": {}}, got)

	explicit := map[string]struct{}{"E3": {}}
	got = InferImplicitDependency(plan.TagSerialCallAgent, explicit, "E1")
	assert.Equal(t, explicit, got)
}

func TestInferImplicitDependencySkipsNonCallAgentTags(t *testing.T) {
	got := InferImplicitDependency(plan.TagFinalOutput, nil, "E1")
	assert.Nil(t, got)
}
