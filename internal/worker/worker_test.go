package worker

import (
	"context"
	"testing"

	"github.com/relaymesh/reactor/internal/plan"
	"github.com/relaymesh/reactor/internal/registry"
	"github.com/relaymesh/reactor/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emptyResults struct{}

func (emptyResults) Result(id string) (plan.StepResult, bool) { return plan.StepResult{}, false }

func newRegistryWithAgent(name string, fn registry.LocalFunc) *registry.Registry {
	reg := registry.NewRegistry()
	reg.Register(registry.Entry{Name: name, Execute: registry.NewLocalExecutor(fn)})
	return reg
}

func TestExecuteSplitQueryParsesJSONArray(t *testing.T) {
	step := plan.Step{ID: "E1", Tag: plan.TagSplitQuery, Raw: `["查余额","推荐理财"]`}
	out := Execute(context.Background(), step, plan.WorkingInput{}, nil, nil, emptyResults{}, registry.NewRegistry(), nil, false)
	assert.Equal(t, plan.StatusOK, out.Result.Status)
	assert.Equal(t, []interface{}{"查余额", "推荐理财"}, out.Result.Output)
}

func TestExecuteSplitQueryFallsBackToCommaSplit(t *testing.T) {
	step := plan.Step{ID: "E1", Tag: plan.TagSplitQuery, Raw: "a, b, c"}
	out := Execute(context.Background(), step, plan.WorkingInput{}, nil, nil, emptyResults{}, registry.NewRegistry(), nil, false)
	assert.Equal(t, []interface{}{"a", "b", "c"}, out.Result.Output)
}

func TestExecuteSerialCallAgentSkipsOthers(t *testing.T) {
	step := plan.Step{ID: "E1", Tag: plan.TagSerialCallAgent}
	route := &plan.Route{Agent: "others"}
	out := Execute(context.Background(), step, plan.WorkingInput{}, route, nil, emptyResults{}, registry.NewRegistry(), nil, false)
	assert.Equal(t, plan.StatusSkipped, out.Result.Status)
	assert.Equal(t, plan.EvalDone, out.EvalOverride)
}

func TestExecuteSerialCallAgentFailsOnUnknownAgent(t *testing.T) {
	step := plan.Step{ID: "E1", Tag: plan.TagSerialCallAgent}
	route := &plan.Route{Agent: "ghost"}
	out := Execute(context.Background(), step, plan.WorkingInput{}, route, nil, emptyResults{}, registry.NewRegistry(), nil, false)
	assert.Equal(t, plan.StatusFail, out.Result.Status)
	assert.Equal(t, plan.EvalFailed, out.EvalOverride)
}

func TestExecuteSerialCallAgentDispatchesToRegisteredAgent(t *testing.T) {
	reg := newRegistryWithAgent("account_agent", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"status": "ok", "balance": 1234}, nil
	})
	step := plan.Step{ID: "E1", Tag: plan.TagSerialCallAgent}
	route := &plan.Route{Agent: "account_agent", Payload: map[string]interface{}{}}

	out := Execute(context.Background(), step, plan.WorkingInput{}, route, nil, emptyResults{}, reg, nil, false)
	assert.Equal(t, plan.StatusOK, out.Result.Status)
	assert.Equal(t, map[string]interface{}{"status": "ok", "balance": 1234}, out.Result.Output)
}

func TestExecuteParallelCallAgentPreservesRouteOrder(t *testing.T) {
	reg := registry.NewRegistry()
	reg.Register(registry.Entry{Name: "account", Execute: registry.NewLocalExecutor(func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"status": "ok", "v": "account-out"}, nil
	})})
	reg.Register(registry.Entry{Name: "wealth", Execute: registry.NewLocalExecutor(func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"status": "ok", "v": "wealth-out"}, nil
	})})

	step := plan.Step{ID: "E2", Tag: plan.TagParallelCallAgent}
	routes := []plan.Route{{Agent: "account"}, {Agent: "wealth"}}

	out := Execute(context.Background(), step, plan.WorkingInput{}, nil, routes, emptyResults{}, reg, nil, false)
	require.Equal(t, plan.StatusOK, out.Result.Status)
	outputs := out.Result.Output.([]interface{})
	require.Len(t, outputs, 2)
	assert.Equal(t, "account", outputs[0].(map[string]interface{})["agent"])
	assert.Equal(t, "wealth", outputs[1].(map[string]interface{})["agent"])
}

func TestExecuteParallelCallAgentFailsWhenNoRoutesPrepared(t *testing.T) {
	step := plan.Step{ID: "E2", Tag: plan.TagParallelCallAgent}
	out := Execute(context.Background(), step, plan.WorkingInput{}, nil, nil, emptyResults{}, registry.NewRegistry(), nil, false)
	assert.Equal(t, plan.StatusFail, out.Result.Status)
	assert.Equal(t, "route not prepared", out.Result.Error)
}

func TestExecuteParallelCallAgentCapturesUnknownAgentPerItem(t *testing.T) {
	reg := registry.NewRegistry()
	step := plan.Step{ID: "E2", Tag: plan.TagParallelCallAgent}
	routes := []plan.Route{{Agent: "ghost"}}

	out := Execute(context.Background(), step, plan.WorkingInput{}, nil, routes, emptyResults{}, reg, nil, false)
	require.Equal(t, plan.StatusOK, out.Result.Status)
	item := out.Result.Output.([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "fail", item["status"])
	assert.Equal(t, "ghost", item["agent"])
}

func TestExecuteParallelCallAgentDegradesToSequentialWhenStreaming(t *testing.T) {
	reg := newRegistryWithAgent("account", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"status": "ok"}, nil
	})
	step := plan.Step{ID: "E2", Tag: plan.TagParallelCallAgent}
	routes := []plan.Route{{Agent: "account"}, {Agent: "account"}}
	tr := trace.NewCollector("", nil)

	out := Execute(context.Background(), step, plan.WorkingInput{}, nil, routes, emptyResults{}, reg, tr, true)
	require.Equal(t, plan.StatusOK, out.Result.Status)

	degraded := false
	for _, entry := range tr.Dump() {
		if entry.Subtitle == "streaming mode: degrading parallel fan-out to sequential" {
			degraded = true
		}
	}
	assert.True(t, degraded, "expected the streaming degradation trace note")
}

func TestExecuteAppendHistoryTruncatesLongAssistantText(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	step := plan.Step{ID: "E3", Tag: plan.TagAppendHistory, Raw: `{"text":"` + string(long) + `"}`}
	wi := plan.WorkingInput{Query: "what now", History: []plan.HistoryTurn{{Role: "user", Content: "prior"}}}

	out := Execute(context.Background(), step, wi, nil, nil, emptyResults{}, registry.NewRegistry(), nil, false)
	require.NotNil(t, out.WorkingInputPatch)
	hist := out.WorkingInputPatch.History
	require.Len(t, hist, 3)
	assert.Equal(t, "prior", hist[0].Content)
	assert.Equal(t, "user", hist[1].Role)
	assert.Equal(t, "what now", hist[1].Content)
	assert.Equal(t, "assistant", hist[2].Role)
	assert.LessOrEqual(t, len(hist[2].Content), appendHistoryTruncateLen)
}

func TestExecuteFinalOutputResolvesPriorStepReference(t *testing.T) {
	results := fakeResults{m: map[string]plan.StepResult{
		"E1": {ID: "E1", Output: map[string]interface{}{"status": "ok"}},
	}}
	step := plan.Step{ID: "E2", Tag: plan.TagFinalOutput, Raw: "#E1"}

	out := Execute(context.Background(), step, plan.WorkingInput{}, nil, nil, results, registry.NewRegistry(), nil, false)
	assert.Equal(t, map[string]interface{}{"status": "ok"}, out.FinalResult)
}

func TestExecuteUnknownTagDoesNotAdvance(t *testing.T) {
	step := plan.Step{ID: "E1", Tag: plan.StepTag("Mystery")}
	tr := trace.NewCollector("", nil)
	out := Execute(context.Background(), step, plan.WorkingInput{}, nil, nil, emptyResults{}, registry.NewRegistry(), tr, false)
	assert.False(t, out.Advance)
	assert.Len(t, tr.Dump(), 1)
}

type fakeResults struct {
	m map[string]plan.StepResult
}

func (f fakeResults) Result(id string) (plan.StepResult, bool) {
	r, ok := f.m[id]
	return r, ok
}
