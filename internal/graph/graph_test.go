package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/relaymesh/reactor/core"
	"github.com/relaymesh/reactor/internal/composer"
	"github.com/relaymesh/reactor/internal/plan"
	"github.com/relaymesh/reactor/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgentRegistry(name string, fn registry.LocalFunc) *registry.Registry {
	reg := registry.NewRegistry()
	reg.Register(registry.Entry{Name: name, Execute: registry.NewLocalExecutor(fn)})
	return reg
}

func constPlanner(text string) PlannerFunc {
	return func(ctx context.Context, task string, hint []plan.Step) (string, error) {
		return text, nil
	}
}

func noopClassify(ctx context.Context, query string, history []plan.HistoryTurn, prevIntent string) (string, error) {
	return "balance", nil
}

func TestRunSingleAgentHappyPath(t *testing.T) {
	planText := "思考过程：check balance\n" +
		`Plan: query balance | #E1 = SerialCallAgent[{"agent":"account_agent"}]` + "\n" +
		`Plan: return result | #E2 = FinalOutput[#E1]`

	reg := newAgentRegistry("account_agent", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"text": "your balance is 100"}, nil
	})

	e := &Engine{
		Plan:     constPlanner(planText),
		Classify: noopClassify,
		Registry: reg,
		Config:   core.DefaultConfig(),
		Layout:   []composer.Section{{Type: composer.SectionFinal}},
	}

	text, tr, err := e.Run(context.Background(), "what is my balance", plan.WorkingInput{Query: "what is my balance"})
	require.NoError(t, err)
	assert.Contains(t, text, "your balance is 100")
	assert.NotEmpty(t, tr.Dump())
}

func TestRunSplitParallelAndSummary(t *testing.T) {
	planText := "思考过程：split\n" +
		`Plan: split the ask | #E1 = SplitQuery[["查余额","推荐理财"]]` + "\n" +
		`Plan: call both agents | #E2 = ParallelCallAgent[[{"agent":"account_agent"},{"agent":"invest_agent"}]]`

	reg := registry.NewRegistry()
	reg.Register(registry.Entry{Name: "account_agent", Execute: registry.NewLocalExecutor(
		func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"text": "balance: 500"}, nil
		})})
	reg.Register(registry.Entry{Name: "invest_agent", Execute: registry.NewLocalExecutor(
		func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"text": "fund A recommended"}, nil
		})})

	solveCalls := 0
	solve := func(ctx context.Context, reasoning, planText string, resultsJSON []byte) (string, error) {
		solveCalls++
		return "combined summary", nil
	}

	e := &Engine{
		Plan:     constPlanner(planText),
		Classify: noopClassify,
		Registry: reg,
		Solve:    solve,
		Config:   core.DefaultConfig(),
	}

	text, _, err := e.Run(context.Background(), "help me", plan.WorkingInput{Query: "help me"})
	require.NoError(t, err)
	assert.Equal(t, 1, solveCalls)
	assert.Contains(t, text, "combined summary")
}

func TestRunSplitSerialRotatesThroughPendingQueries(t *testing.T) {
	planText := "思考过程：split then answer each\n" +
		`Plan: split the ask | #E1 = SplitQuery[["查余额","推荐理财"]]` + "\n" +
		`Plan: answer the current ask | #E2 = SerialCallAgent[{"agent":"echo_agent"}]` + "\n" +
		`Plan: return result | #E3 = FinalOutput[#E2]`

	var served []string
	reg := newAgentRegistry("echo_agent", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		served = append(served, payload["query"].(string))
		return map[string]interface{}{"text": "answered"}, nil
	})

	e := &Engine{
		Plan:     constPlanner(planText),
		Classify: noopClassify,
		Registry: reg,
		Config:   core.DefaultConfig(),
		Layout:   []composer.Section{{Type: composer.SectionFinal}},
	}

	_, _, err := e.Run(context.Background(), "help me", plan.WorkingInput{Query: "help me"})
	require.NoError(t, err)
	assert.Equal(t, []string{"查余额", "推荐理财"}, served,
		"each pending query must be dispatched through the consuming step in order")
}

func TestRunFailsThenReplansToSuccess(t *testing.T) {
	attempt := 0
	planner := func(ctx context.Context, task string, hint []plan.Step) (string, error) {
		attempt++
		if attempt == 1 {
			return "思考过程：first try\n" +
				`Plan: call flaky agent | #E1 = SerialCallAgent[{"agent":"flaky_agent"}]`, nil
		}
		return "思考过程：retry\n" +
			`Plan: call flaky agent again | #E1 = SerialCallAgent[{"agent":"flaky_agent"}]` + "\n" +
			`Plan: return result | #E2 = FinalOutput[#E1]`, nil
	}

	calls := 0
	reg := newAgentRegistry("flaky_agent", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		calls++
		if calls == 1 {
			return map[string]interface{}{"status": "fail", "reason": "timeout"}, nil
		}
		return map[string]interface{}{"text": "recovered"}, nil
	})

	e := &Engine{
		Plan:     planner,
		Classify: noopClassify,
		Registry: reg,
		Config:   core.DefaultConfig(),
		Layout:   []composer.Section{{Type: composer.SectionFinal}},
	}

	text, tr, err := e.Run(context.Background(), "do it", plan.WorkingInput{Query: "do it"})
	require.NoError(t, err)
	assert.Contains(t, text, "recovered")
	assert.Equal(t, 2, attempt)

	foundReplan := false
	for _, entry := range tr.Dump() {
		if entry.Title == "Replanner" {
			foundReplan = true
		}
	}
	assert.True(t, foundReplan, "expected a Replanner trace entry")
}

func TestRunExhaustsReplanCeiling(t *testing.T) {
	planner := func(ctx context.Context, task string, hint []plan.Step) (string, error) {
		return "思考过程：always fails\n" +
			`Plan: call broken agent | #E1 = SerialCallAgent[{"agent":"broken_agent"}]`, nil
	}

	reg := newAgentRegistry("broken_agent", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"status": "fail", "reason": "down"}, nil
	})

	cfg := core.DefaultConfig()
	cfg.MaxIterationLimit = 1

	e := &Engine{
		Plan:     planner,
		Classify: noopClassify,
		Registry: reg,
		Config:   cfg,
		Layout:   []composer.Section{{Type: composer.SectionFinal}},
	}

	text, tr, err := e.Run(context.Background(), "do it", plan.WorkingInput{Query: "do it"})
	require.NoError(t, err)
	assert.Empty(t, text)

	foundApology := false
	for _, entry := range tr.Dump() {
		if entry.Title == "Replanner" && strings.Contains(entry.Subtitle, "人工客服") {
			foundApology = true
		}
	}
	assert.True(t, foundApology, "expected the exhaustion apology in the trace")
}

func TestRunUnknownAgentFailsImmediately(t *testing.T) {
	planText := "思考过程：call ghost\n" +
		`Plan: call nonexistent agent | #E1 = SerialCallAgent[{"agent":"ghost_agent"}]`

	cfg := core.DefaultConfig()
	cfg.MaxIterationLimit = 0

	e := &Engine{
		Plan:     constPlanner(planText),
		Classify: noopClassify,
		Registry: registry.NewRegistry(),
		Config:   cfg,
		Layout:   []composer.Section{{Type: composer.SectionFinal}},
	}

	text, _, err := e.Run(context.Background(), "anything", plan.WorkingInput{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestRunAppendHistoryTruncatesLongAssistantText(t *testing.T) {
	long := ""
	for i := 0; i < 5000; i++ {
		long += "x"
	}
	planText := "思考过程：answer then record\n" +
		`Plan: answer | #E1 = SerialCallAgent[{"agent":"chatty_agent"}]` + "\n" +
		`Plan: remember it | #E2 = AppendHistory[#E1]` + "\n" +
		`Plan: answer again | #E3 = SerialCallAgent[{"agent":"chatty_agent"}]`

	reg := newAgentRegistry("chatty_agent", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"text": long}, nil
	})

	// The classifier sees the working input's history when #E3 is routed,
	// i.e. after AppendHistory has run.
	var seenHistory []plan.HistoryTurn
	classify := func(ctx context.Context, query string, history []plan.HistoryTurn, prevIntent string) (string, error) {
		seenHistory = history
		return "balance", nil
	}

	e := &Engine{
		Plan:     constPlanner(planText),
		Classify: classify,
		Registry: reg,
		Config:   core.DefaultConfig(),
	}

	wi := plan.WorkingInput{Query: "say something long"}
	_, _, err := e.Run(context.Background(), "say something long", wi)
	require.NoError(t, err)
	require.Len(t, seenHistory, 2)
	assert.Equal(t, "user", seenHistory[0].Role)
	assert.Equal(t, "say something long", seenHistory[0].Content)
	assert.Equal(t, "assistant", seenHistory[1].Role)
	assert.Len(t, []rune(seenHistory[1].Content), 2000)
}
