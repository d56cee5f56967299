// Command reactor wires a minimal engine and runs one task end to end.
// Building prompts, talking to an LLM planner, and exposing an HTTP
// front door are out of scope for this package; it exists only to show
// the graph wired up the way a caller would wire it in production.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/relaymesh/reactor/core"
	"github.com/relaymesh/reactor/internal/composer"
	"github.com/relaymesh/reactor/internal/graph"
	"github.com/relaymesh/reactor/internal/plan"
	"github.com/relaymesh/reactor/internal/registry"
	"github.com/relaymesh/reactor/internal/trace"
	"github.com/relaymesh/reactor/sop"
	"github.com/relaymesh/reactor/storage"
)

func main() {
	task := flag.String("task", "检查下我的账户状态。", "natural-language task to execute")
	sopPath := flag.String("sop", "", "path to a YAML file of SOP definitions (optional)")
	flag.Parse()

	cfg := core.NewConfig()
	logger := core.NewSimpleLogger("reactor/cmd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received", nil)
		cancel()
	}()

	reg := registry.NewRegistry()
	reg.Register(registry.Entry{
		Name:        "account_agent",
		Description: "reports account status",
		IntentSpace: []string{"account"},
		Execute: registry.NewLocalExecutor(func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"status": "ok", "balance": 1234}, nil
		}),
	})

	var sopRegistry *sop.Registry
	if *sopPath != "" {
		loaded, err := sop.Load(*sopPath)
		if err != nil {
			log.Fatalf("loading SOP definitions: %v", err)
		}
		sopRegistry = loaded
	}

	requestID := uuid.NewString()
	ctx = core.WithRequestID(ctx, requestID)

	var traceSink trace.SinkFunc
	var replanSink func(ctx context.Context, replan plan.ReplanState)
	if cfg.RedisEnabled {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parsing REACTOR_REDIS_URL: %v", err)
		}
		client := redis.NewClient(opt)
		defer client.Close()

		traceStore := storage.NewRedisTraceStore(client, storage.DefaultTraceStoreConfig())
		traceSink = traceStore.Sink(ctx, requestID)

		replanStore := storage.NewRedisReplanStore(client, storage.DefaultReplanStoreConfig())
		replanSink = func(ctx context.Context, replan plan.ReplanState) {
			replanStore.Save(ctx, requestID, replan, time.Now())
		}
	}

	engine := &graph.Engine{
		Plan:     demoPlanner(*task),
		Classify: demoClassifier,
		Registry: reg,
		SOP:      sopRegistry,
		Solve:    demoSolver,
		Layout: []composer.Section{
			{Type: composer.SectionAgent, Title: "Agent Outputs"},
			{Type: composer.SectionFinal, Title: "Result"},
		},
		Logger:     logger,
		Config:     cfg,
		TraceSink:  traceSink,
		ReplanSink: replanSink,
	}

	wi := plan.WorkingInput{Query: *task}
	text, tr, err := engine.Run(ctx, *task, wi)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	for _, e := range tr.Dump() {
		fmt.Fprintf(os.Stderr, "[trace] %s: %s\n", e.Title, e.Subtitle)
	}
	fmt.Println(text)
}

// demoPlanner is a stand-in for the LLM planner this binary does not
// own; it always proposes the same two-step plan regardless of hint.
func demoPlanner(task string) graph.PlannerFunc {
	return func(ctx context.Context, t string, hint []plan.Step) (string, error) {
		payload, _ := json.Marshal(map[string]string{"agent": "account_agent"})
		return "思考过程：check the account then return it\n" +
			fmt.Sprintf("Plan: check account | #E1 = SerialCallAgent[%s]\n", payload) +
			"Plan: return result | #E2 = FinalOutput[#E1]", nil
	}
}

func demoClassifier(ctx context.Context, query string, history []plan.HistoryTurn, prevIntent string) (string, error) {
	return "account", nil
}

func demoSolver(ctx context.Context, reasoning, planText string, resultsJSON []byte) (string, error) {
	return fmt.Sprintf("summary based on %d bytes of results", len(resultsJSON)), nil
}
