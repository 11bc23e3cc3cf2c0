// Command demo wires the core components over in-memory backends and runs
// the linear-success scenario from spec.md §8 (E2E scenario 1): a
// three-step playbook a -> b -> c, each an "echo" tool returning a fixed
// JSON body, driven end to end through CreateExecution and polled to
// completion. It exists to exercise the wiring the way the teacher's own
// cmd/demo exercises its runtime, not as a deployment entry point (cmd/...
// is explicitly out of scope per spec.md §1; this binary is for local
// verification only).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/noetl/noetl/broker/inmem"
	"github.com/noetl/noetl/dispatcher"
	"github.com/noetl/noetl/engine"
	eventloginmem "github.com/noetl/noetl/eventlog/inmem"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/loop"
	resultmem "github.com/noetl/noetl/resultstore/inmem"
	"github.com/noetl/noetl/transient"
	"github.com/noetl/noetl/worker"
)

// staticCatalog answers Catalog.Load with one fixed Graph, standing in for
// the out-of-scope DSL parser/validator (spec.md §1).
type staticCatalog struct{ graph engine.Graph }

func (c staticCatalog) Load(context.Context, string, string) (engine.Graph, string, error) {
	return c.graph, "v1", nil
}

// echoExecutor returns a tool's Config verbatim as the step result, the way
// scenario 1's Python tools return a fixed {ok, n} body.
type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, tool engine.Tool, _ json.RawMessage) (json.RawMessage, error) {
	return tool.Config, nil
}

func linearGraph() engine.Graph {
	step := func(name string, n int, next ...string) engine.Step {
		return engine.Step{
			Name:   name,
			Kind:   "task",
			Tool:   engine.Tool{Kind: "echo", Config: json.RawMessage(fmt.Sprintf(`{"ok":true,"n":%d}`, n))},
			Inputs: json.RawMessage(`{}`),
			Pool:   "default",
			Next:   next,
		}
	}
	return engine.Graph{Steps: []engine.Step{
		step("a", 1, "b"),
		step("b", 2, "c"),
		step("c", 3),
	}}
}

func main() {
	ctx := context.Background()

	brk := inmem.New()
	events := eventloginmem.New(1)
	results, err := resultmem.NewStore(1)
	must(err)
	ida := ids.New(1)
	vars := transient.New(nil)

	eng, err := engine.New(engine.Options{
		Catalog:   staticCatalog{graph: linearGraph()},
		Events:    events,
		Transient: vars,
		Broker:    brk,
		IDs:       ida,
	})
	must(err)

	disp, err := dispatcher.New(dispatcher.Options{
		Broker:   brk,
		Events:   events,
		Resolver: eng,
		Advancer: eng,
		LeaseTTL: 10 * time.Second,
	})
	must(err)
	eng.BindDispatcher(disp)

	agg, err := loop.New(loop.Options{
		Events:     events,
		Results:    results,
		Broker:     brk,
		Dispatcher: disp,
	})
	must(err)
	eng.BindLoop(agg)

	toolRegistry := worker.NewRegistry()
	toolRegistry.Register("echo", echoExecutor{})

	runtime, err := worker.New(worker.Options{
		Client:        disp,
		Broker:        brk,
		Results:       results,
		Registry:      toolRegistry,
		Subscriptions: []worker.Subscription{{Pool: "default", Kind: "echo"}},
		Capacity:      2,
		LeaseTTL:      10 * time.Second,
	})
	must(err)

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go func() {
		if err := runtime.Run(workerCtx); err != nil && err != context.Canceled {
			fmt.Println("worker runtime stopped:", err)
		}
	}()

	execID, err := eng.CreateExecution(ctx, "playbooks/demo", "v1", json.RawMessage(`{}`), 0)
	must(err)
	fmt.Println("execution:", execID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		summary, err := eng.GetExecution(ctx, execID)
		must(err)
		if summary.Status == "completed" || summary.Status == "failed" {
			fmt.Println("final status:", summary.Status)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	page, err := eng.ListEvents(ctx, execID, 0, 1000)
	must(err)
	for _, e := range page.Events {
		fmt.Printf("%-28s node=%-10s status=%-10s result=%s\n", e.Type, e.NodeName, e.Status, string(e.Result))
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
