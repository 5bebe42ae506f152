package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/jobstream"
	"github.com/loykin/jobstream/internal/event"
	"github.com/loykin/jobstream/pkg/client"
)

// command holds shared state for CLI command handlers.
type command struct {
	flags *GlobalFlags
}

// loadConfig resolves the effective configuration: file first, then flag
// overrides.
func (c command) loadConfig() (*jobstream.Config, error) {
	var cfg jobstream.Config
	if c.flags.ConfigPath != "" {
		loaded, err := jobstream.LoadConfig(c.flags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		cfg = *loaded
	} else {
		cfg = jobstream.DefaultConfig()
	}
	if c.flags.EngineURL != "" {
		cfg.Engine.BaseURL = c.flags.EngineURL
	}
	if c.flags.Token != "" {
		cfg.Engine.Token = c.flags.Token
	}
	if c.flags.Timeout > 0 {
		cfg.Engine.Timeout = c.flags.Timeout
	}
	return &cfg, nil
}

func (c command) apiClient() (*client.Client, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{
		Source:   client.StaticSource(cfg.Engine.BaseURL, cfg.Engine.Token),
		Timeout:  cfg.Engine.Timeout,
		Insecure: cfg.Engine.Insecure,
	}), nil
}

func (c command) ctx() (context.Context, context.CancelFunc) {
	timeout := c.flags.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Watch tails the event feed until interrupted.
func (c command) Watch(flags WatchFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	watcher, err := jobstream.New(cfg)
	if err != nil {
		return err
	}
	defer watcher.Close()

	var sub *jobstream.Subscription
	if flags.JobID != "" {
		sub = watcher.SubscribeJob(flags.JobID)
	} else {
		sub = watcher.Subscribe()
	}
	defer sub.Cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			printEvent(ev, flags.JSON)
		case h, ok := <-sub.HealthChanges():
			if !ok {
				return nil
			}
			fmt.Printf("-- feed %s: %s\n", h.Feed, h.State)
		case <-sigCh:
			return nil
		}
	}
}

func printEvent(ev jobstream.Event, asJSON bool) {
	if asJSON {
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Println(string(raw))
		return
	}
	switch e := ev.(type) {
	case *event.JobStateChanged:
		old := "?"
		if e.OldState != nil {
			old = string(*e.OldState)
		}
		fmt.Printf("%-6d %s  %s: %s -> %s\n", e.Seq(), e.Kind(), e.JobID, old, e.NewState)
	case *event.JobProgress:
		percent := "-"
		if e.ProgressPercent != nil {
			percent = fmt.Sprintf("%d%%", *e.ProgressPercent)
		}
		fmt.Printf("%-6d %s  %s: %s %s\n", e.Seq(), e.Kind(), e.JobID, e.Phase, percent)
	case *event.JobLog:
		fmt.Printf("%-6d %s  %s [%s] %s\n", e.Seq(), e.Kind(), e.JobID, e.Level, e.Message)
	case *event.EngineHeartbeat:
		fmt.Printf("%-6d %s  health=%s active=%d queued=%d\n", e.Seq(), e.Kind(), e.Health, e.ActiveJobs, e.QueueDepth)
	case *event.ReplayComplete:
		fmt.Printf("%-6d %s  replayed=%d live=%v\n", e.Seq(), e.Kind(), e.ReplayedCount, e.NowLive)
	default:
		fmt.Printf("%-6d %s\n", ev.Seq(), ev.Kind())
	}
}

// JobList prints jobs from the control surface.
func (c command) JobList(flags JobFlags) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx()
	defer cancel()

	var states []string
	if flags.States != "" {
		states = strings.Split(flags.States, ",")
	}
	jobs, err := api.ListJobs(ctx, states, flags.Limit)
	if err != nil {
		return err
	}
	if flags.JSON {
		return printJSON(jobs)
	}
	fmt.Printf("%-38s %-12s %-25s %s\n", "JOB", "STATE", "CREATED", "PROGRESS")
	for _, j := range jobs {
		progress := "-"
		if j.ProgressPercent != nil {
			progress = fmt.Sprintf("%d%% %s", *j.ProgressPercent, j.ProgressPhase)
		}
		fmt.Printf("%-38s %-12s %-25s %s\n", j.JobID, j.State, j.CreatedAt.Format(time.RFC3339), progress)
	}
	return nil
}

// JobGet prints one job.
func (c command) JobGet(flags JobFlags) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx()
	defer cancel()

	job, err := api.GetJob(ctx, flags.JobID)
	if err != nil {
		return err
	}
	return printJSON(job)
}

// JobCreate submits a job.
func (c command) JobCreate(flags CreateFlags) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx()
	defer cancel()

	job, err := api.CreateJob(ctx, client.JobConfig{
		InputPaths: flags.Inputs,
		OutputDir:  flags.OutputDir,
		Style:      flags.Style,
	}, flags.IdempotencyKey)
	if err != nil {
		return err
	}
	fmt.Printf("created %s (%s)\n", job.JobID, job.State)
	return nil
}

// JobCancel requests cancellation.
func (c command) JobCancel(flags JobFlags) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx()
	defer cancel()

	if err := api.CancelJob(ctx, flags.JobID); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for %s\n", flags.JobID)
	return nil
}

// JobReceipt fetches and prints a terminal receipt.
func (c command) JobReceipt(flags JobFlags) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx()
	defer cancel()

	receipt, err := api.GetReceipt(ctx, flags.JobID)
	if err != nil {
		return err
	}
	return printJSON(receipt)
}

// EngineStatus prints the engine status document.
func (c command) EngineStatus() error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx()
	defer cancel()

	status, err := api.EngineStatus(ctx)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func runServeCommand(flags *GlobalFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}

	cfg, err := jobstream.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.EngineURL != "" {
		cfg.Engine.BaseURL = flags.EngineURL
	}
	if flags.Token != "" {
		cfg.Engine.Token = flags.Token
	}

	watcher, err := jobstream.New(cfg)
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := jobstream.RegisterMetricsDefault(); err != nil {
		fmt.Printf("Warning: failed to register metrics: %v\n", err)
	}
	if err := watcher.StartResync(); err != nil {
		fmt.Printf("Warning: failed to start resync: %v\n", err)
	}

	// Keep the shared session alive for the server's lifetime.
	sub := watcher.Subscribe()
	defer sub.Cancel()
	go func() {
		for {
			select {
			case _, ok := <-sub.Events():
				if !ok {
					return
				}
			case _, ok := <-sub.HealthChanges():
				if !ok {
					return
				}
			}
		}
	}()

	if !cfg.Server.Enabled {
		return fmt.Errorf("server must be enabled in the config to run serve command")
	}
	server, err := jobstream.NewHTTPServer(cfg.Server.Addr, cfg.Server.BasePath, watcher)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	fmt.Printf("Starting jobstream server on %s%s\n", cfg.Server.Addr, cfg.Server.BasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	return server.Close()
}
