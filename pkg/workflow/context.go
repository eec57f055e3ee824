package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/pkg/api"
)

// suspendMarker is panicked by futures and channels when the value they
// need is not yet in history. The replayer recovers it and reports the
// pass as blocked; the stack unwind is how a wait-point releases
// compute without holding a goroutine.
type suspendMarker struct{}

// passFailure carries an infrastructure-level error (bad payload, bad
// history) out of the handler. It is distinct from a workflow-level
// error returned by the definition.
type passFailure struct{ err error }

// scheduleKind tags what a deterministic sequence id was used for, so
// a changed definition is detected instead of silently misreading
// history.
type scheduleKind int

const (
	kindActivity scheduleKind = iota
	kindTimer
	kindChild
)

func (k scheduleKind) String() string {
	switch k {
	case kindActivity:
		return "activity"
	case kindTimer:
		return "timer"
	case kindChild:
		return "child workflow"
	default:
		return "unknown"
	}
}

// resolution is the prescanned outcome of one scheduled command.
type resolution struct {
	kind     scheduleKind
	resolved bool
	result   json.RawMessage
	errType  string
	errMsg   string

	// seqNo is the history sequence of the resolving event. Timer
	// versus signal races are settled by comparing it against the
	// signal's own sequence.
	seqNo int64
}

// signalEntry is one buffered signal payload with the history sequence
// it arrived at.
type signalEntry struct {
	payload json.RawMessage
	seqNo   int64
}

// Context carries an execution's replayed state through one decision
// pass. It is not safe for concurrent use; a pass is single-threaded by
// design.
type Context struct {
	executionID  string
	workflowType string
	businessKey  string
	taskQueue    string
	input        json.RawMessage

	startTime time.Time
	now       time.Time

	seq       int64
	schedules map[int64]*resolution

	signals      map[string][]signalEntry
	signalCursor map[string]int

	cancelRequested bool
	cancelReason    string

	commands      []Command
	queryHandlers map[string]QueryHandler
}

// newContext prescans the history into lookup state for one pass.
func newContext(history []api.HistoryEvent) (*Context, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("empty history: missing %s event", api.EventWorkflowStarted)
	}
	if history[0].Type != api.EventWorkflowStarted {
		return nil, fmt.Errorf("history must begin with %s, got %s", api.EventWorkflowStarted, history[0].Type)
	}

	started, err := api.DecodeAttrs[api.WorkflowStartedAttrs](history[0])
	if err != nil {
		return nil, err
	}

	c := &Context{
		executionID:   history[0].ExecutionID,
		workflowType:  started.WorkflowType,
		businessKey:   started.BusinessKey,
		taskQueue:     started.TaskQueue,
		input:         started.Input,
		startTime:     history[0].Timestamp,
		now:           history[len(history)-1].Timestamp,
		schedules:     make(map[int64]*resolution),
		signals:       make(map[string][]signalEntry),
		signalCursor:  make(map[string]int),
		queryHandlers: make(map[string]QueryHandler),
	}

	for _, ev := range history {
		switch ev.Type {
		case api.EventActivityScheduled:
			attrs, err := api.DecodeAttrs[api.ActivityScheduledAttrs](ev)
			if err != nil {
				return nil, err
			}
			// Retry attempts re-append with the same ScheduleID.
			if _, ok := c.schedules[attrs.ScheduleID]; !ok {
				c.schedules[attrs.ScheduleID] = &resolution{kind: kindActivity}
			}

		case api.EventActivityCompleted:
			attrs, err := api.DecodeAttrs[api.ActivityCompletedAttrs](ev)
			if err != nil {
				return nil, err
			}
			c.resolve(attrs.ScheduleID, kindActivity, attrs.Result, "", "", ev.SequenceNo)

		case api.EventActivityFailed:
			attrs, err := api.DecodeAttrs[api.ActivityFailedAttrs](ev)
			if err != nil {
				return nil, err
			}
			c.resolve(attrs.ScheduleID, kindActivity, nil, attrs.ErrorType, attrs.Message, ev.SequenceNo)

		case api.EventTimerStarted:
			attrs, err := api.DecodeAttrs[api.TimerStartedAttrs](ev)
			if err != nil {
				return nil, err
			}
			if _, ok := c.schedules[attrs.TimerID]; !ok {
				c.schedules[attrs.TimerID] = &resolution{kind: kindTimer}
			}

		case api.EventTimerFired:
			attrs, err := api.DecodeAttrs[api.TimerFiredAttrs](ev)
			if err != nil {
				return nil, err
			}
			c.resolve(attrs.TimerID, kindTimer, nil, "", "", ev.SequenceNo)

		case api.EventSignalReceived:
			attrs, err := api.DecodeAttrs[api.SignalReceivedAttrs](ev)
			if err != nil {
				return nil, err
			}
			c.signals[attrs.Name] = append(c.signals[attrs.Name], signalEntry{
				payload: attrs.Payload,
				seqNo:   ev.SequenceNo,
			})

		case api.EventChildWorkflowStarted:
			attrs, err := api.DecodeAttrs[api.ChildWorkflowStartedAttrs](ev)
			if err != nil {
				return nil, err
			}
			if _, ok := c.schedules[attrs.ScheduleID]; !ok {
				c.schedules[attrs.ScheduleID] = &resolution{kind: kindChild}
			}

		case api.EventChildWorkflowCompleted:
			attrs, err := api.DecodeAttrs[api.ChildWorkflowCompletedAttrs](ev)
			if err != nil {
				return nil, err
			}
			c.resolve(attrs.ScheduleID, kindChild, attrs.Result, attrs.ErrorType, attrs.Message, ev.SequenceNo)

		case api.EventCancelRequested:
			attrs, err := api.DecodeAttrs[api.CancelRequestedAttrs](ev)
			if err != nil {
				return nil, err
			}
			c.cancelRequested = true
			c.cancelReason = attrs.Reason
		}
	}

	return c, nil
}

func (c *Context) resolve(id int64, kind scheduleKind, result json.RawMessage, errType, errMsg string, seqNo int64) {
	r, ok := c.schedules[id]
	if !ok {
		r = &resolution{kind: kind}
		c.schedules[id] = r
	}
	r.resolved = true
	r.result = result
	r.errType = errType
	r.errMsg = errMsg
	r.seqNo = seqNo
}

// ExecutionID returns the id of the current execution.
func (c *Context) ExecutionID() string { return c.executionID }

// WorkflowType returns the workflow type name.
func (c *Context) WorkflowType() string { return c.workflowType }

// BusinessKey returns the business key of this execution.
func (c *Context) BusinessKey() string { return c.businessKey }

// TaskQueue returns the default task queue for activities scheduled by
// this execution.
func (c *Context) TaskQueue() string { return c.taskQueue }

// StartTime returns the timestamp of the WorkflowStarted event.
func (c *Context) StartTime() time.Time { return c.startTime }

// Now returns deterministic workflow time: the timestamp of the last
// event in history. It never reads the wall clock.
func (c *Context) Now() time.Time { return c.now }

// Input unmarshals the execution input into v.
func (c *Context) Input(v any) error {
	if len(c.input) == 0 {
		return nil
	}
	return json.Unmarshal(c.input, v)
}

// RawInput returns the execution input payload as stored.
func (c *Context) RawInput() json.RawMessage { return c.input }

// CancelRequested reports whether a cancellation request has been
// recorded for this execution. Cancellation is cooperative: the
// definition observes this at a decision point, runs any cleanup it
// needs, and returns ErrCanceled.
func (c *Context) CancelRequested() bool { return c.cancelRequested }

// CancelReason returns the reason attached to the cancellation
// request, if any.
func (c *Context) CancelReason() string { return c.cancelReason }

func (c *Context) nextSeq() int64 {
	c.seq++
	return c.seq
}

// lookup returns the resolution recorded for id, enforcing that the id
// was previously used for the same kind of command.
func (c *Context) lookup(id int64, kind scheduleKind) (*resolution, bool) {
	r, ok := c.schedules[id]
	if !ok {
		return nil, false
	}
	if r.kind != kind {
		panic(passFailure{fmt.Errorf(
			"nondeterministic definition: command %d replayed as %s but history recorded %s",
			id, kind, r.kind)})
	}
	return r, true
}

// ActivityOptions override scheduling defaults for one activity.
type ActivityOptions struct {
	// TaskQueue overrides the execution's task queue.
	TaskQueue string

	// RetryPolicy overrides api.DefaultRetryPolicy.
	RetryPolicy *api.RetryPolicy

	// StartToCloseTimeout bounds a single attempt. Zero means no bound.
	StartToCloseTimeout time.Duration
}

// ExecuteActivity schedules an activity with default options and
// returns a Future for its terminal resolution.
func (c *Context) ExecuteActivity(name string, input any) *Future {
	return c.ExecuteActivityWithOptions(name, input, ActivityOptions{})
}

// ExecuteActivityWithOptions schedules an activity and returns a Future
// for its terminal resolution. The Future resolves with the activity
// result, or with an *api.ActivityError once the retry policy is
// exhausted or a non-retryable error class is hit.
func (c *Context) ExecuteActivityWithOptions(name string, input any, opts ActivityOptions) *Future {
	id := c.nextSeq()

	if r, ok := c.lookup(id, kindActivity); ok {
		return c.futureFor(id, r)
	}

	raw, err := marshalPayload(input)
	if err != nil {
		panic(passFailure{fmt.Errorf("activity %s input: %w", name, err)})
	}

	queue := opts.TaskQueue
	if queue == "" {
		queue = c.taskQueue
	}
	policy := api.DefaultRetryPolicy()
	if opts.RetryPolicy != nil {
		policy = opts.RetryPolicy.Normalized()
	}

	c.commands = append(c.commands, ScheduleActivityCommand{
		ScheduleID:          id,
		ActivityName:        name,
		Input:               raw,
		TaskQueue:           queue,
		RetryPolicy:         policy,
		StartToCloseTimeout: opts.StartToCloseTimeout,
	})
	return &Future{ctx: c, id: id}
}

// Timer starts a durable timer firing after d of workflow time and
// returns a Future that resolves with no value when it fires.
func (c *Context) Timer(d time.Duration) *Future {
	id := c.nextSeq()

	if r, ok := c.lookup(id, kindTimer); ok {
		return c.futureFor(id, r)
	}

	c.commands = append(c.commands, StartTimerCommand{
		TimerID: id,
		FireAt:  c.now.Add(d),
	})
	return &Future{ctx: c, id: id}
}

// Sleep blocks the workflow for d of workflow time.
func (c *Context) Sleep(d time.Duration) error {
	return c.Timer(d).Get(nil)
}

// ChildOptions override defaults for a child workflow.
type ChildOptions struct {
	// ClosePolicy controls the child's fate when this execution closes.
	// Defaults to ParentCloseTerminate.
	ClosePolicy api.ParentClosePolicy
}

// ExecuteChild starts a child workflow execution and returns a Future
// for its terminal resolution.
func (c *Context) ExecuteChild(workflowType, businessKey string, input any) *Future {
	return c.ExecuteChildWithOptions(workflowType, businessKey, input, ChildOptions{})
}

// ExecuteChildWithOptions starts a child workflow execution. The
// Future resolves with the child result, or with an *api.WorkflowError
// when the child fails or is cancelled.
func (c *Context) ExecuteChildWithOptions(workflowType, businessKey string, input any, opts ChildOptions) *Future {
	id := c.nextSeq()

	if r, ok := c.lookup(id, kindChild); ok {
		return c.futureFor(id, r)
	}

	raw, err := marshalPayload(input)
	if err != nil {
		panic(passFailure{fmt.Errorf("child %s input: %w", workflowType, err)})
	}

	policy := opts.ClosePolicy
	if policy == "" {
		policy = api.ParentCloseTerminate
	}

	c.commands = append(c.commands, StartChildWorkflowCommand{
		ScheduleID:   id,
		WorkflowType: workflowType,
		BusinessKey:  businessKey,
		Input:        raw,
		ClosePolicy:  policy,
	})
	return &Future{ctx: c, id: id}
}

func (c *Context) futureFor(id int64, r *resolution) *Future {
	f := &Future{ctx: c, id: id}
	if r.resolved {
		f.ready = true
		f.result = r.result
		if r.errMsg != "" || r.errType != "" {
			switch r.kind {
			case kindChild:
				f.err = &api.WorkflowError{Type: r.errType, Message: r.errMsg}
			default:
				f.err = &api.ActivityError{Type: r.errType, Message: r.errMsg, NonRetryable: true}
			}
		}
	}
	return f
}

// SignalChannel returns the channel of buffered signals with the given
// name. Signals are consumed in arrival order; consumption order is
// deterministic across replays.
func (c *Context) SignalChannel(name string) *SignalChannel {
	return &SignalChannel{ctx: c, name: name}
}

// SetQueryHandler registers a read-only handler for query name. The
// handler is invoked after the pass settles and must not schedule
// commands or mutate state.
func (c *Context) SetQueryHandler(name string, fn QueryHandler) {
	c.queryHandlers[name] = fn
}

func (c *Context) suspend() {
	panic(suspendMarker{})
}
