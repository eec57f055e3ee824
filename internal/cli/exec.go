package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/pkg/api"
	"github.com/loomhq/loom/pkg/client"
)

// NewExecCmd builds the exec command group.
func NewExecCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Manage workflow executions",
	}

	cmd.AddCommand(
		newExecStartCmd(clientFn, outputFn),
		newExecListCmd(clientFn, outputFn),
		newExecShowCmd(clientFn, outputFn),
		newExecHistoryCmd(clientFn, outputFn),
		newExecSignalCmd(clientFn, outputFn),
		newExecQueryCmd(clientFn, outputFn),
		newExecCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newExecStartCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var businessKey string
	var taskQueue string
	var input string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "start WORKFLOW_TYPE",
		Short: "Start a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			var raw json.RawMessage
			if input != "" {
				if !json.Valid([]byte(input)) {
					return fmt.Errorf("--input is not valid JSON")
				}
				raw = json.RawMessage(input)
			}

			exec, err := clientFn().StartWorkflow(cmd.Context(), api.StartOptions{
				WorkflowType: args[0],
				BusinessKey:  businessKey,
				TaskQueue:    taskQueue,
				Input:        raw,
				Timeout:      timeout,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Execution started: %s", exec.ID))
			printExecutions(out, []client.Execution{*exec})
			return nil
		},
	}

	cmd.Flags().StringVar(&businessKey, "business-key", "", "Business key (required, unique per RUNNING execution of a type)")
	cmd.Flags().StringVar(&taskQueue, "task-queue", "", "Task queue for the execution's activities")
	cmd.Flags().StringVar(&input, "input", "", "Workflow input as a JSON document")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (0 uses the definition default)")
	cmd.MarkFlagRequired("business-key")

	return cmd
}

func newExecListCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var workflowType string
	var businessKey string
	var status string
	var parentID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			execs, err := clientFn().ListExecutions(cmd.Context(), api.ExecutionFilter{
				WorkflowType: workflowType,
				BusinessKey:  businessKey,
				Status:       api.Status(status),
				ParentID:     parentID,
			})
			if err != nil {
				return err
			}

			printExecutions(out, execs)
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowType, "type", "", "Filter by workflow type")
	cmd.Flags().StringVar(&businessKey, "business-key", "", "Filter by business key")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (RUNNING, COMPLETED, FAILED, CANCELLED, CONTINUED)")
	cmd.Flags().StringVar(&parentID, "parent-id", "", "Filter by parent execution ID")

	return cmd
}

func newExecShowCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show EXECUTION_ID",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			exec, err := clientFn().GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			printExecutions(out, []client.Execution{*exec})
			return nil
		},
	}
}

func newExecHistoryCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "history EXECUTION_ID",
		Short: "Show an execution's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			events, err := clientFn().GetHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			headers := []string{"SEQ", "TYPE", "TIMESTAMP", "ATTRIBUTES"}
			rows := make([][]string, len(events))
			for i, ev := range events {
				rows[i] = []string{
					strconv.FormatInt(ev.SequenceNo, 10),
					string(ev.Type),
					ev.Timestamp.Format(time.RFC3339),
					truncate(string(ev.Attributes), 80),
				}
			}
			out.Print(headers, rows, events)
			return nil
		},
	}
}

func newExecSignalCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var payload string
	var dedupeKey string

	cmd := &cobra.Command{
		Use:   "signal EXECUTION_ID SIGNAL_NAME",
		Short: "Send a signal to a running execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			var raw json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				raw = json.RawMessage(payload)
			}

			if err := clientFn().SignalWorkflow(cmd.Context(), args[0], args[1], raw, dedupeKey); err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Signal %s delivered to %s", args[1], args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "Signal payload as a JSON document")
	cmd.Flags().StringVar(&dedupeKey, "dedupe-key", "", "Idempotency key; redelivery with the same key is a no-op")

	return cmd
}

func newExecQueryCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "query EXECUTION_ID QUERY_NAME",
		Short: "Run a read-only query against an execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			result, err := clientFn().QueryWorkflow(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			var v any
			if err := json.Unmarshal(result, &v); err != nil {
				return err
			}
			out.JSON(v)
			return nil
		},
	}
}

func newExecCancelCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel EXECUTION_ID",
		Short: "Request cooperative cancellation of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			if err := clientFn().CancelWorkflow(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Cancellation requested for %s", args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Human-readable cancellation reason")

	return cmd
}

func printExecutions(out *Output, execs []client.Execution) {
	headers := []string{"ID", "TYPE", "BUSINESS_KEY", "STATUS", "STARTED", "ERROR"}
	rows := make([][]string, len(execs))
	for i, e := range execs {
		rows[i] = []string{
			e.ID,
			e.WorkflowType,
			e.BusinessKey,
			string(e.Status),
			e.StartedAt.Format(time.RFC3339),
			truncate(e.Error, 40),
		}
	}
	out.Print(headers, rows, execs)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
