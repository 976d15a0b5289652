package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devos/internal/agents"
	"devos/internal/byok"
	"devos/internal/cache"
	"devos/internal/db"
	"devos/internal/events"
	"devos/internal/gitops"
	"devos/internal/handoff"
	"devos/internal/jira"
	"devos/internal/jobs"
	"devos/internal/notify"
	"devos/internal/orchestrator"
	"devos/internal/pipeline"
	"devos/internal/server"
	"devos/internal/session"
	"devos/internal/stream"
	"devos/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: pipeline engine, agent sessions, Jira sync, HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.NewStore(db.StoreConfig{
		Type: viper.GetString("db.type"),
		DSN:  viper.GetString("db.dsn"),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	backend := cache.NewRedis(
		viper.GetString("redis.addr"),
		viper.GetString("redis.password"),
		viper.GetInt("redis.db"),
	)

	cipher, err := byok.NewCipherFromHex(viper.GetString("byok.master_key"))
	if err != nil {
		return fmt.Errorf("invalid BYOK master key: %w", err)
	}

	bus := events.NewBus()
	metrics := telemetry.NewMetrics()

	machine := pipeline.NewMachine(store, backend, bus, metrics)
	rules := handoff.NewRules(
		viper.GetInt("handoff.max_parallel_agents"),
		viper.GetInt("handoff.max_qa_iterations"),
	)
	deps := handoff.NewDependencyManager(bus)
	queue := handoff.NewQueue(backend)
	coordinator := handoff.NewCoordinator(store, machine, rules, deps, queue, bus, metrics)

	keys := byok.NewBridge(store, cipher)
	git := gitops.NewClient()
	workspaces := session.NewWorkspaceManager(viper.GetString("cli.workspace_base_path"), git)

	var sandbox session.Sandbox
	if viper.GetString("cli.sandbox") == "docker" {
		sandbox, err = session.NewDockerSandbox(viper.GetString("cli.docker_image"))
		if err != nil {
			return fmt.Errorf("failed to init docker sandbox: %w", err)
		}
	} else {
		sandbox = session.NewExecSandbox()
	}

	streamer := stream.NewStreamer(backend, store, bus, metrics)
	sessions := session.NewManager(sandbox, workspaces, keys, streamer, bus, metrics, session.Config{
		Command:       viper.GetString("cli.command"),
		MaxConcurrent: viper.GetInt("cli.max_concurrent_sessions"),
		MaxTokens:     viper.GetInt("cli.max_tokens"),
		Timeout:       time.Duration(viper.GetInt64("cli.max_session_duration_ms")) * time.Millisecond,
	})

	runner := jobs.NewRunner(backend, viper.GetInt("jobs.workers"))

	jiraClient := jira.NewClient(store, backend, cipher, metrics,
		viper.GetString("jira.client_id"), viper.GetString("jira.client_secret"))
	oauth := jira.NewOAuthService(store, backend, cipher, jiraClient, jira.OAuthConfig{
		ClientID:     viper.GetString("jira.client_id"),
		ClientSecret: viper.GetString("jira.client_secret"),
		RedirectURI:  viper.GetString("jira.redirect_uri"),
		WebhookURL:   viper.GetString("jira.webhook_url"),
	})
	syncService := jira.NewSyncService(store, backend, jiraClient, metrics)
	listener := jira.NewListener(store, runner)
	listener.Register(bus, syncService)
	webhooks := jira.NewWebhookProcessor(store, runner)

	notify.NewManager().Register(bus)

	executor := agents.NewExecutor(sessions, store, bus)
	driver := orchestrator.NewDriver(coordinator, machine,
		agents.NewPlanner(executor),
		agents.NewDev(executor),
		agents.NewQA(executor),
		agents.NewDevOps(executor),
	)
	driver.Register(bus)

	// Crash recovery before any new work is accepted.
	report, err := machine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	telemetry.LogInfo("pipeline recovery complete",
		"recovered", report.Recovered, "stale", report.Stale, "total", report.Total)

	if swept := workspaces.SweepDangling(sessions.ActiveWorkspaces()); len(swept) > 0 {
		telemetry.LogInfo("swept dangling workspaces", "count", len(swept))
	}

	runner.Start(ctx)
	defer runner.Stop()

	go func() {
		if err := driver.Run(ctx); err != nil && ctx.Err() == nil {
			telemetry.LogError("orchestrator driver stopped", err)
		}
	}()

	srv := server.New(server.Config{
		Addr:       viper.GetString("server.addr"),
		AppBaseURL: viper.GetString("app.base_url"),
	}, store, oauth, syncService, jiraClient, webhooks)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
