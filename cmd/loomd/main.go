// loomd is the workflow engine daemon and its management CLI.
//
// Usage:
//
//	loomd [--api-url URL] [--json] <command> [flags]
//
// Commands:
//
//	serve   Run the engine, HTTP gateway, timer service and scheduler
//	worker  Run an activity worker against a remote gateway
//	exec    Manage executions (start, list, show, history, signal,
//	        query, cancel)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/cli"
	"github.com/loomhq/loom/pkg/client"
)

// version is set through ldflags at build time.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "loomd",
		Short:         "loomd - durable workflow orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "Gateway base URL for client commands")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *client.Client { return client.New(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(func() string { return apiURL }),
		cli.NewExecCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
