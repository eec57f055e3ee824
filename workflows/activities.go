package workflows

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/api"
	"github.com/loomhq/loom/pkg/worker"
)

// RegisterActivities registers the reference implementations of the
// activities used by the built-in definitions. Production deployments
// replace these with real provider integrations; they exist so the
// stack runs end to end out of the box.
func RegisterActivities(w *worker.Worker) error {
	fns := map[string]func(ctx context.Context, input json.RawMessage) (json.RawMessage, error){
		ActivityProvisionConnection: provisionConnection,
		ActivityVerifyConnection:    verifyConnection,
		ActivityDetectChanges:       detectChanges,
		ActivityAgentAnalysis:       agentAnalysis,
	}
	for name, fn := range fns {
		if err := w.RegisterFunc(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func provisionConnection(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, &api.ActivityError{Type: "bad_input", Message: err.Error(), NonRetryable: true}
	}
	if req.Provider == "" {
		return nil, &api.ActivityError{Type: "bad_input", Message: "provider is required", NonRetryable: true}
	}
	return json.Marshal(map[string]string{
		"connection_id": "conn-" + uuid.NewString(),
	})
}

func verifyConnection(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ConnectionID string `json:"connection_id"`
		Code         string `json:"code"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, &api.ActivityError{Type: "bad_input", Message: err.Error(), NonRetryable: true}
	}
	return json.Marshal(map[string]bool{"ok": req.Code != ""})
}

func detectChanges(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req struct {
		IntegrationID string `json:"integration_id"`
		Cursor        string `json:"cursor"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, &api.ActivityError{Type: "bad_input", Message: err.Error(), NonRetryable: true}
	}
	return json.Marshal(map[string]any{
		"changed": 0,
		"cursor":  fmt.Sprintf("cur-%s", uuid.NewString()[:8]),
	})
}

func agentAnalysis(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Agent string `json:"agent"`
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, &api.ActivityError{Type: "bad_input", Message: err.Error(), NonRetryable: true}
	}
	return json.Marshal(map[string]string{
		"agent":   req.Agent,
		"summary": fmt.Sprintf("analysis of %q by %s", req.Topic, req.Agent),
	})
}
