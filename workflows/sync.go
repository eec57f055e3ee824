package workflows

import (
	"time"

	"github.com/loomhq/loom/pkg/workflow"
)

// SyncInput carries the state of one rotation of the continuous sync
// loop. Continue-as-new passes it forward unchanged except for Cursor
// and Epoch, so the loop's history stays bounded.
type SyncInput struct {
	IntegrationID string `json:"integration_id"`

	// PollIntervalMS is the idle re-arm interval. Default 15 minutes.
	PollIntervalMS int64 `json:"poll_interval_ms,omitempty"`

	// RotateAfterMS bounds one execution's lifetime before it continues
	// as new. Default 24 hours.
	RotateAfterMS int64 `json:"rotate_after_ms,omitempty"`

	// Cursor is the provider-side change cursor carried across cycles
	// and rotations.
	Cursor string `json:"cursor,omitempty"`

	// Epoch counts continue-as-new rotations.
	Epoch int `json:"epoch,omitempty"`
}

// ChangesHint is the payload of the changes-hinted signal, delivered by
// webhooks or upstream notifications.
type ChangesHint struct {
	Source string `json:"source,omitempty"`
}

// DetectChangesResult is returned by the detect-changes activity.
type DetectChangesResult struct {
	Cursor  string `json:"cursor"`
	Changed int    `json:"changed"`
}

// Sync is the continuous synchronization loop. Each cycle waits for a
// changes-hinted signal up to the poll interval; an idle cycle re-arms
// the identical timer without scheduling any activity, a hinted cycle
// runs detect-changes and advances the cursor. After the rotation
// period the execution continues as new carrying the cursor.
func Sync() workflow.Definition {
	return workflow.Definition{
		Name:    "sync",
		Handler: syncHandler,
	}
}

func syncHandler(ctx *workflow.Context) (any, error) {
	var input SyncInput
	if err := ctx.Input(&input); err != nil {
		return nil, err
	}

	poll := time.Duration(input.PollIntervalMS) * time.Millisecond
	if poll <= 0 {
		poll = 15 * time.Minute
	}
	rotateAfter := time.Duration(input.RotateAfterMS) * time.Millisecond
	if rotateAfter <= 0 {
		rotateAfter = 24 * time.Hour
	}

	cursor := input.Cursor
	cycles := 0
	synced := 0

	ctx.SetQueryHandler("progress", func() (any, error) {
		return map[string]any{
			"cursor": cursor,
			"cycles": cycles,
			"synced": synced,
			"epoch":  input.Epoch,
		}, nil
	})

	hints := ctx.SignalChannel(SignalChangesHinted)
	for {
		if ctx.CancelRequested() {
			return nil, workflow.ErrCanceled
		}
		if ctx.Now().Sub(ctx.StartTime()) >= rotateAfter {
			next := input
			next.Cursor = cursor
			next.Epoch++
			return nil, workflow.NewContinueAsNewError(next)
		}

		var hint ChangesHint
		hinted, err := hints.ReceiveWithTimeout(poll, &hint)
		if err != nil {
			return nil, err
		}
		cycles++
		if !hinted {
			// Idle cycle: nothing to do, the loop re-arms an identical
			// timer on the next iteration.
			continue
		}

		var detected DetectChangesResult
		err = ctx.ExecuteActivity(ActivityDetectChanges, map[string]string{
			"integration_id": input.IntegrationID,
			"cursor":         cursor,
		}).Get(&detected)
		if err != nil {
			return nil, err
		}
		cursor = detected.Cursor
		synced += detected.Changed
	}
}
