// Package workflows holds the built-in workflow definitions: platform
// integration onboarding, continuous synchronization and multi-agent
// planning. They are ordinary definitions built on the public workflow
// package; nothing here is privileged.
package workflows

import (
	"fmt"
	"time"

	"github.com/loomhq/loom/pkg/api"
	"github.com/loomhq/loom/pkg/workflow"
)

// Activity and signal names used by the built-in definitions.
const (
	ActivityProvisionConnection = "provision-connection"
	ActivityVerifyConnection    = "verify-connection"
	ActivityDetectChanges       = "detect-changes"
	ActivityAgentAnalysis       = "agent-analysis"

	SignalOAuthCallback = "oauth-callback"
	SignalChangesHinted = "changes-hinted"
)

// IntegrationInput starts an Integration execution.
type IntegrationInput struct {
	Provider string `json:"provider"`

	// CallbackTimeoutMS bounds the wait for the oauth-callback signal.
	// Default 15 minutes.
	CallbackTimeoutMS int64 `json:"callback_timeout_ms,omitempty"`
}

// OAuthCallback is the payload of the oauth-callback signal.
type OAuthCallback struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// IntegrationResult is the result of a completed Integration execution.
type IntegrationResult struct {
	ConnectionID string `json:"connection_id"`
	Verified     bool   `json:"verified"`
}

// Integration provisions a provider connection, waits for the user to
// finish the OAuth round trip, then verifies the connection. A missing
// callback fails the execution after the configured deadline.
func Integration() workflow.Definition {
	return workflow.Definition{
		Name:    "integration",
		Handler: integrationHandler,
	}
}

func integrationHandler(ctx *workflow.Context) (any, error) {
	var input IntegrationInput
	if err := ctx.Input(&input); err != nil {
		return nil, err
	}

	status := "provisioning"
	ctx.SetQueryHandler("status", func() (any, error) {
		return map[string]string{"status": status}, nil
	})

	var provisioned struct {
		ConnectionID string `json:"connection_id"`
	}
	err := ctx.ExecuteActivity(ActivityProvisionConnection, map[string]string{
		"provider":     input.Provider,
		"business_key": ctx.BusinessKey(),
	}).Get(&provisioned)
	if err != nil {
		return nil, err
	}

	status = "awaiting_callback"
	timeout := time.Duration(input.CallbackTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}

	var callback OAuthCallback
	received, err := ctx.SignalChannel(SignalOAuthCallback).ReceiveWithTimeout(timeout, &callback)
	if err != nil {
		return nil, err
	}
	if !received {
		return nil, &api.WorkflowError{
			Type:    api.ErrorTypeTimeout,
			Message: fmt.Sprintf("no oauth callback for %s within %s", input.Provider, timeout),
		}
	}

	status = "verifying"
	var verified struct {
		OK bool `json:"ok"`
	}
	err = ctx.ExecuteActivity(ActivityVerifyConnection, map[string]string{
		"connection_id": provisioned.ConnectionID,
		"code":          callback.Code,
	}).Get(&verified)
	if err != nil {
		return nil, err
	}

	status = "done"
	return IntegrationResult{
		ConnectionID: provisioned.ConnectionID,
		Verified:     verified.OK,
	}, nil
}
