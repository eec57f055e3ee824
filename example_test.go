package loom_test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom"
	"github.com/loomhq/loom/pkg/workflow"
)

// ExampleLocalRunner runs a one-activity workflow in a single process.
func ExampleLocalRunner() {
	ctx := context.Background()

	runner := loom.NewLocalRunner()
	_ = runner.Engine.Register(loom.Definition{
		Name: "greet",
		Handler: func(ctx *workflow.Context) (any, error) {
			var greeting string
			if err := ctx.ExecuteActivity("compose", ctx.RawInput()).Get(&greeting); err != nil {
				return nil, err
			}
			return greeting, nil
		},
	})
	_ = runner.Worker.RegisterFunc("compose", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var name string
		if err := json.Unmarshal(input, &name); err != nil {
			return nil, err
		}
		return json.Marshal("hello, " + name)
	})

	_ = runner.Start(ctx)
	defer runner.Stop()

	exec, err := runner.Engine.StartWorkflow(ctx, loom.StartOptions{
		WorkflowType: "greet",
		BusinessKey:  "demo",
		Input:        json.RawMessage(`"loom"`),
	})
	if err != nil {
		panic(err)
	}

	for !exec.Status.Terminal() {
		time.Sleep(10 * time.Millisecond)
		exec, _ = runner.Engine.GetExecution(ctx, exec.ID)
	}

	fmt.Println(exec.Status, string(exec.Result))
	// Output: COMPLETED "hello, loom"
}
