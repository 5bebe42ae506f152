package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	EngineURL  string
	Token      string
	Timeout    time.Duration
}

// JobFlags holds flags for job subcommands.
type JobFlags struct {
	JobID  string
	States string
	Limit  int
	JSON   bool
}

// CreateFlags holds flags for the job create subcommand.
type CreateFlags struct {
	Inputs         []string
	OutputDir      string
	Style          string
	IdempotencyKey string
}

// WatchFlags holds flags for the watch subcommand.
type WatchFlags struct {
	JobID string
	JSON  bool
}

// buildRoot creates the root command and all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	jobFlags := &JobFlags{}
	createFlags := &CreateFlags{}
	watchFlags := &WatchFlags{}

	jsCommand := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createWatchCommand(jsCommand, watchFlags),
		createServeCommand(globalFlags),
		createJobCommand(jsCommand, jobFlags, createFlags),
		createEngineCommand(jsCommand),
	)
	return root
}

// createRootCommand creates the root command with persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "jobstream",
		Short: "Live local view of engine-managed jobs",
		Long: `Jobstream keeps a synchronized local view of asynchronous jobs managed
by a remote engine, fed by the engine's event stream.

Examples:
  jobstream watch                              # Tail the global event feed
  jobstream watch --job=9f41c                  # Tail a single job
  jobstream job list --state=running
  jobstream serve --config=config.toml         # Run the local status server`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.EngineURL, "engine-url", "", "engine base URL (overrides config)")
	root.PersistentFlags().StringVar(&flags.Token, "token", "", "bearer token (overrides config)")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "request timeout")

	return root
}

// createWatchCommand creates the watch subcommand.
func createWatchCommand(jsCommand command, watchFlags *WatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail the engine event feed",
		Long: `Connect to the engine event stream and print events as they arrive.
Reconnects automatically and resumes from the last seen event.

Examples:
  jobstream watch
  jobstream watch --job=9f41c
  jobstream watch --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return jsCommand.Watch(WatchFlags{
				JobID: watchFlags.JobID,
				JSON:  watchFlags.JSON,
			})
		},
	}

	cmd.Flags().StringVar(&watchFlags.JobID, "job", "", "job ID (empty tails the global feed)")
	cmd.Flags().BoolVar(&watchFlags.JSON, "json", false, "print raw event JSON")

	return cmd
}

// createServeCommand creates the serve subcommand.
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the local status server",
		Long: `Run the background watcher plus the local status HTTP server.
Configuration is loaded from a TOML file.

Examples:
  jobstream serve config.toml
  jobstream serve --config=config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(globalFlags, args)
		},
	}
	return cmd
}

// createJobCommand creates the job command with subcommands.
func createJobCommand(jsCommand command, jobFlags *JobFlags, createFlags *CreateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Job control commands",
		Long: `Inspect and control engine jobs via the control API.

Examples:
  jobstream job list --state=running,queued
  jobstream job get --id=9f41c
  jobstream job create --input=./book.txt --style=formal
  jobstream job cancel --id=9f41c
  jobstream job receipt --id=9f41c`,
	}

	cmd.AddCommand(
		createJobListCommand(jsCommand, jobFlags),
		createJobGetCommand(jsCommand, jobFlags),
		createJobCreateCommand(jsCommand, createFlags),
		createJobCancelCommand(jsCommand, jobFlags),
		createJobReceiptCommand(jsCommand, jobFlags),
	)

	return cmd
}

// createJobListCommand creates the job list subcommand.
func createJobListCommand(jsCommand command, jobFlags *JobFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return jsCommand.JobList(JobFlags{
				States: jobFlags.States,
				Limit:  jobFlags.Limit,
				JSON:   jobFlags.JSON,
			})
		},
	}
	cmd.Flags().StringVar(&jobFlags.States, "state", "", "comma-separated state filter")
	cmd.Flags().IntVar(&jobFlags.Limit, "limit", 0, "maximum number of jobs")
	cmd.Flags().BoolVar(&jobFlags.JSON, "json", false, "print raw JSON")
	return cmd
}

// createJobGetCommand creates the job get subcommand.
func createJobGetCommand(jsCommand command, jobFlags *JobFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show one job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return jsCommand.JobGet(JobFlags{JobID: jobFlags.JobID, JSON: jobFlags.JSON})
		},
	}
	cmd.Flags().StringVar(&jobFlags.JobID, "id", "", "job ID (required)")
	cmd.Flags().BoolVar(&jobFlags.JSON, "json", false, "print raw JSON")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

// createJobCreateCommand creates the job create subcommand.
func createJobCreateCommand(jsCommand command, createFlags *CreateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a new job",
		Long: `Submit a new job to the engine. The idempotency key defaults to a random
UUID; supply one to make retried submissions safe.

Examples:
  jobstream job create --input=./book.txt --style=formal
  jobstream job create --input=a.txt --input=b.txt --output-dir=./out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return jsCommand.JobCreate(CreateFlags{
				Inputs:         createFlags.Inputs,
				OutputDir:      createFlags.OutputDir,
				Style:          createFlags.Style,
				IdempotencyKey: createFlags.IdempotencyKey,
			})
		},
	}
	cmd.Flags().StringSliceVar(&createFlags.Inputs, "input", nil, "input path (repeatable, required)")
	cmd.Flags().StringVar(&createFlags.OutputDir, "output-dir", "", "output directory")
	cmd.Flags().StringVar(&createFlags.Style, "style", "", "processing style")
	cmd.Flags().StringVar(&createFlags.IdempotencyKey, "idempotency-key", "", "explicit idempotency key")
	if err := cmd.MarkFlagRequired("input"); err != nil {
		panic(err)
	}
	return cmd
}

// createJobCancelCommand creates the job cancel subcommand.
func createJobCancelCommand(jsCommand command, jobFlags *JobFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Request cancellation of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return jsCommand.JobCancel(JobFlags{JobID: jobFlags.JobID})
		},
	}
	cmd.Flags().StringVar(&jobFlags.JobID, "id", "", "job ID (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

// createJobReceiptCommand creates the job receipt subcommand.
func createJobReceiptCommand(jsCommand command, jobFlags *JobFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Fetch a job's terminal receipt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return jsCommand.JobReceipt(JobFlags{JobID: jobFlags.JobID})
		},
	}
	cmd.Flags().StringVar(&jobFlags.JobID, "id", "", "job ID (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

// createEngineCommand creates the engine status subcommand.
func createEngineCommand(jsCommand command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Show engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return jsCommand.EngineStatus()
		},
	}
	return cmd
}
