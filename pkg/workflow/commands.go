package workflow

import (
	"encoding/json"
	"time"

	"github.com/loomhq/loom/pkg/api"
)

// Command is one action the replayer asks the engine to perform. A
// decision pass over the same history always yields the same commands
// in the same order.
type Command interface {
	isCommand()
}

type ScheduleActivityCommand struct {
	ScheduleID          int64
	ActivityName        string
	Input               json.RawMessage
	TaskQueue           string
	RetryPolicy         api.RetryPolicy
	StartToCloseTimeout time.Duration
}

type StartTimerCommand struct {
	TimerID int64
	FireAt  time.Time
}

type StartChildWorkflowCommand struct {
	ScheduleID   int64
	WorkflowType string
	BusinessKey  string
	Input        json.RawMessage
	ClosePolicy  api.ParentClosePolicy
}

type CompleteWorkflowCommand struct {
	Result json.RawMessage
}

type FailWorkflowCommand struct {
	ErrorType string
	Message   string
}

type CancelWorkflowCommand struct {
	Reason string
}

type ContinueAsNewCommand struct {
	Input json.RawMessage
}

func (ScheduleActivityCommand) isCommand()   {}
func (StartTimerCommand) isCommand()         {}
func (StartChildWorkflowCommand) isCommand() {}
func (CompleteWorkflowCommand) isCommand()   {}
func (FailWorkflowCommand) isCommand()       {}
func (CancelWorkflowCommand) isCommand()     {}
func (ContinueAsNewCommand) isCommand()      {}
