package workflows

import (
	"encoding/json"

	"github.com/loomhq/loom/pkg/workflow"
)

// PlanningInput starts a Planning execution: one analysis activity per
// agent, joined with a success quorum.
type PlanningInput struct {
	Topic  string   `json:"topic"`
	Agents []string `json:"agents"`

	// Quorum is the minimum number of agent successes required.
	// Default: majority of the configured agents.
	Quorum int `json:"quorum,omitempty"`
}

// PlanningResult is the joined campaign analysis. Agents that failed
// terminally appear in Errors; their absence degrades the result
// rather than failing the workflow, as long as the quorum holds.
type PlanningResult struct {
	Outputs map[string]json.RawMessage `json:"outputs"`
	Errors  map[string]string          `json:"errors,omitempty"`
}

// Planning fans out one analysis per agent and joins with a quorum.
func Planning() workflow.Definition {
	return workflow.Definition{
		Name:    "planning",
		Handler: planningHandler,
	}
}

func planningHandler(ctx *workflow.Context) (any, error) {
	var input PlanningInput
	if err := ctx.Input(&input); err != nil {
		return nil, err
	}

	quorum := input.Quorum
	if quorum <= 0 {
		quorum = len(input.Agents)/2 + 1
	}

	resolved := 0
	ctx.SetQueryHandler("progress", func() (any, error) {
		return map[string]any{
			"agents":   len(input.Agents),
			"resolved": resolved,
			"quorum":   quorum,
		}, nil
	})

	tasks := make([]workflow.FanOutTask, len(input.Agents))
	for i, agent := range input.Agents {
		tasks[i] = workflow.FanOutTask{
			Key:          agent,
			ActivityName: ActivityAgentAnalysis,
			Input: map[string]string{
				"agent": agent,
				"topic": input.Topic,
			},
		}
	}

	joined, err := workflow.FanOut(ctx, tasks, quorum)
	if joined != nil {
		resolved = joined.Succeeded() + len(joined.Errors)
	}
	if err != nil {
		return nil, err
	}

	return PlanningResult{
		Outputs: joined.Outputs,
		Errors:  joined.Errors,
	}, nil
}
