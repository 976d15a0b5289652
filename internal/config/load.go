package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the configuration from file and environment variables.
func Load(cfgFile string) {
	// explicit .env loading; a missing .env is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("DEVOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Atlassian OAuth app credentials come in unprefixed for compatibility
	// with the hosted deployment.
	_ = viper.BindEnv("jira.client_id", "JIRA_CLIENT_ID")
	_ = viper.BindEnv("jira.client_secret", "JIRA_CLIENT_SECRET")
	_ = viper.BindEnv("jira.redirect_uri", "JIRA_REDIRECT_URI")
	_ = viper.BindEnv("jira.webhook_url", "JIRA_WEBHOOK_URL")
	_ = viper.BindEnv("cli.workspace_base_path", "CLI_WORKSPACE_BASE_PATH")
	_ = viper.BindEnv("cli.max_session_duration_ms", "CLI_MAX_SESSION_DURATION_MS")
	_ = viper.BindEnv("cli.max_concurrent_sessions", "CLI_MAX_CONCURRENT_SESSIONS")
	_ = viper.BindEnv("cli.default_model", "CLI_DEFAULT_MODEL")
	_ = viper.BindEnv("byok.master_key", "BYOK_MASTER_KEY")

	// Storage and cache
	viper.SetDefault("db.type", "sqlite")
	viper.SetDefault("db.dsn", ".devos.db")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jobs.workers", 4)

	// CLI session lifecycle
	viper.SetDefault("cli.command", "claude")
	viper.SetDefault("cli.workspace_base_path", "/workspaces")
	viper.SetDefault("cli.max_session_duration_ms", 7_200_000)
	viper.SetDefault("cli.hard_cap_duration_ms", 14_400_000)
	viper.SetDefault("cli.max_concurrent_sessions", 5)
	viper.SetDefault("cli.default_model", "claude-sonnet-4-20250514")
	viper.SetDefault("cli.max_tokens", 200_000)
	viper.SetDefault("cli.sandbox", "exec")
	viper.SetDefault("cli.docker_image", "devos-agent:latest")

	// Orchestration
	viper.SetDefault("pipeline.lock_ttl_ms", 30_000)
	viper.SetDefault("pipeline.stale_threshold_minutes", 120)
	viper.SetDefault("handoff.max_parallel_agents", 5)
	viper.SetDefault("handoff.max_qa_iterations", 3)

	// Git identity for agent commits
	viper.SetDefault("git.user_email", "agents@devos.dev")
	viper.SetDefault("git.user_name", "DevOS Agent")

	// HTTP / observability
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("app.base_url", "http://localhost:3000")
	viper.SetDefault("metrics.addr", ":2112")
	viper.SetDefault("verbose", false)

	// Notification defaults
	viper.SetDefault("notifications.slack.enabled", false)
	viper.SetDefault("notifications.slack.channel", "#devos-ops")
	viper.SetDefault("notifications.slack.events.escalation", true)
	viper.SetDefault("notifications.slack.events.pipeline_failed", true)
	viper.SetDefault("notifications.slack.events.pipeline_complete", true)

	// A missing config file is not an error; env vars and defaults suffice.
	_ = viper.ReadInConfig()
}
