package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General    GeneralConfig     `toml:"general"`
	Queue      QueueConfig       `toml:"queue"`
	Dispatcher DispatcherConfig  `toml:"dispatcher"`
	Runner     RunnerConfig      `toml:"runner"`
	Workspaces WorkspacesConfig  `toml:"workspaces"`
	GitHub     GitHubConfig      `toml:"github"`
	Slack      SlackConfig       `toml:"slack"`
	Identity   IdentityConfig    `toml:"identity"`
	Modes      map[string]string `toml:"modes"`
	Web        WebConfig         `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabaseDriver string `toml:"database_driver"`
	DatabaseDSN    string `toml:"database_dsn"`
	LogDir         string `toml:"log_dir"`
	LogLevel       string `toml:"log_level"`
}

// QueueConfig holds durable queue settings
type QueueConfig struct {
	RedisURL          string   `toml:"redis_url"`
	Name              string   `toml:"name"`
	VisibilityTimeout Duration `toml:"visibility_timeout"`
	ReclaimInterval   Duration `toml:"reclaim_interval"`
}

// DispatcherConfig holds worker pool controller settings
type DispatcherConfig struct {
	PollInterval Duration `toml:"poll_interval"`
	MaxWorkers   int      `toml:"max_workers"`
	// Environment forces an execution environment (bare, container,
	// orchestrated). Empty means detect.
	Environment string `toml:"environment"`
	WorkerImage string `toml:"worker_image"`
	Network     string `toml:"network"`
	Namespace   string `toml:"namespace"`
	Binary      string `toml:"binary"`
}

// RunnerConfig holds editor process and task runner settings
type RunnerConfig struct {
	EditorBinary      string   `toml:"editor_binary"`
	SocketDir         string   `toml:"socket_dir"`
	TaskBudget        Duration `toml:"task_budget"`
	AnalyticsEndpoint string   `toml:"analytics_endpoint"`
	AuthSecret        string   `toml:"auth_secret"`
	TokenTTL          Duration `toml:"token_ttl"`
	Notify            bool     `toml:"notify"`
	// Overrides are merged over the baseline runner configuration of
	// every task.
	Overrides map[string]any `toml:"overrides"`
}

// WorkspacesConfig maps workspace identifiers to checkouts
type WorkspacesConfig struct {
	Root     string            `toml:"root"`
	Registry map[string]string `toml:"registry"`
}

// GitHubConfig holds webhook ingress settings for GitHub
type GitHubConfig struct {
	WebhookSecret  string   `toml:"webhook_secret"`
	BotLogin       string   `toml:"bot_login"`
	IgnoredAuthors []string `toml:"ignored_authors"`
	Mention        string   `toml:"mention"`
	TriggerLabel   string   `toml:"trigger_label"`
}

// SlackConfig holds chat settings
type SlackConfig struct {
	BotToken      string `toml:"bot_token"`
	SigningSecret string `toml:"signing_secret"`
	Channel       string `toml:"channel"`
	APIURL        string `toml:"api_url"`
}

// IdentityConfig holds fallback principals for webhook-originated jobs
type IdentityConfig struct {
	FallbackUser string `toml:"fallback_user"`
	FallbackOrg  string `toml:"fallback_org"`
}

// WebConfig holds HTTP ingress settings
type WebConfig struct {
	Port      int    `toml:"port"`
	Host      string `toml:"host"`
	APISecret string `toml:"api_secret"`
}

// Duration wraps time.Duration so it can be written as "5s" in TOML
type Duration time.Duration

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration as a Go duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the time.Duration value
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultModes maps each job type to the runner mode used when an
// organization has no override.
func DefaultModes() map[string]string {
	return map[string]string{
		"github.issue.fix":             "issue-fixer",
		"github.issue.comment.respond": "issue-fixer",
		"github.pr.comment.respond":    "pr-fixer",
		"slack.app.mention":            "code",
		"general.task":                 "code",
	}
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabaseDriver: "sqlite",
			DatabaseDSN:    filepath.Join(home, ".roomote", "jobs.db"),
			LogDir:         filepath.Join(home, ".roomote", "logs"),
			LogLevel:       "info",
		},
		Queue: QueueConfig{
			RedisURL:          "redis://localhost:6379/0",
			Name:              "roomote",
			VisibilityTimeout: Duration(45 * time.Minute),
			ReclaimInterval:   Duration(30 * time.Second),
		},
		Dispatcher: DispatcherConfig{
			PollInterval: Duration(5 * time.Second),
			MaxWorkers:   5,
			WorkerImage:  "roomote-worker",
			Network:      "roomote_default",
			Namespace:    "roomote",
		},
		Runner: RunnerConfig{
			EditorBinary: "code",
			SocketDir:    os.TempDir(),
			TaskBudget:   Duration(30 * time.Minute),
			TokenTTL:     Duration(time.Hour),
			Notify:       true,
		},
		Workspaces: WorkspacesConfig{
			Root:     "/roo/repos",
			Registry: map[string]string{},
		},
		GitHub: GitHubConfig{
			BotLogin:       "roomote-agent",
			IgnoredAuthors: []string{"roomote-bot"},
			Mention:        "@roomote",
			TriggerLabel:   "roomote",
		},
		Slack: SlackConfig{
			APIURL: "https://slack.com/api",
		},
		Modes: DefaultModes(),
		Web: WebConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.LogDir = ExpandPath(cfg.General.LogDir)
	cfg.Runner.SocketDir = ExpandPath(cfg.Runner.SocketDir)
	cfg.Workspaces.Root = ExpandPath(cfg.Workspaces.Root)
	if cfg.General.DatabaseDriver == "sqlite" {
		cfg.General.DatabaseDSN = ExpandPath(cfg.General.DatabaseDSN)
	}

	// Unset modes fall back to the built-in mapping
	for jobType, mode := range DefaultModes() {
		if _, ok := cfg.Modes[jobType]; !ok {
			if cfg.Modes == nil {
				cfg.Modes = map[string]string{}
			}
			cfg.Modes[jobType] = mode
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.General.DatabaseDriver = getEnv("ROOMOTE_DATABASE_DRIVER", c.General.DatabaseDriver)
	c.General.DatabaseDSN = getEnv("DATABASE_URL", c.General.DatabaseDSN)
	c.General.LogLevel = getEnv("ROOMOTE_LOG_LEVEL", c.General.LogLevel)
	c.Queue.RedisURL = getEnv("REDIS_URL", c.Queue.RedisURL)
	c.Dispatcher.Environment = getEnv("ROOMOTE_EXECUTION_ENV", c.Dispatcher.Environment)
	c.Runner.AuthSecret = getEnv("ROOMOTE_AUTH_SECRET", c.Runner.AuthSecret)
	c.Runner.AnalyticsEndpoint = getEnv("ROOMOTE_ANALYTICS_ENDPOINT", c.Runner.AnalyticsEndpoint)
	c.Workspaces.Root = getEnv("ROOMOTE_WORKSPACE_ROOT", c.Workspaces.Root)
	c.GitHub.WebhookSecret = getEnv("GITHUB_WEBHOOK_SECRET", c.GitHub.WebhookSecret)
	c.Slack.BotToken = getEnv("SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.Slack.SigningSecret = getEnv("SLACK_SIGNING_SECRET", c.Slack.SigningSecret)
	c.Identity.FallbackUser = getEnv("ROOMOTE_FALLBACK_USER", c.Identity.FallbackUser)
	c.Identity.FallbackOrg = getEnv("ROOMOTE_FALLBACK_ORG", c.Identity.FallbackOrg)
	c.Web.APISecret = getEnv("ROOMOTE_API_SECRET", c.Web.APISecret)

	maxWorkers, err := getEnvInt("ROOMOTE_MAX_WORKERS", c.Dispatcher.MaxWorkers)
	if err != nil {
		return fmt.Errorf("parse ROOMOTE_MAX_WORKERS: %w", err)
	}
	c.Dispatcher.MaxWorkers = maxWorkers

	budget, err := getEnvDuration("ROOMOTE_TASK_BUDGET", c.Runner.TaskBudget.Std())
	if err != nil {
		return fmt.Errorf("parse ROOMOTE_TASK_BUDGET: %w", err)
	}
	c.Runner.TaskBudget = Duration(budget)

	visibility, err := getEnvDuration("ROOMOTE_VISIBILITY_TIMEOUT", c.Queue.VisibilityTimeout.Std())
	if err != nil {
		return fmt.Errorf("parse ROOMOTE_VISIBILITY_TIMEOUT: %w", err)
	}
	c.Queue.VisibilityTimeout = Duration(visibility)

	port, err := getEnvInt("PORT", c.Web.Port)
	if err != nil {
		return fmt.Errorf("parse PORT: %w", err)
	}
	c.Web.Port = port

	// Mode overrides as "type=mode,type=mode"
	if v := os.Getenv("ROOMOTE_MODES"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			k, mode, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				return fmt.Errorf("parse ROOMOTE_MODES: malformed pair %q", pair)
			}
			if c.Modes == nil {
				c.Modes = map[string]string{}
			}
			c.Modes[k] = mode
		}
	}
	return nil
}

// TaskOverhead bounds the time a worker spends on a job outside the task
// budget: git pull, socket wait, connect attempts, cancel and close grace
// and the editor exit wait.
const TaskOverhead = 3 * time.Minute

// Validate checks values that would make every component misbehave
func (c *Config) Validate() error {
	if c.Dispatcher.MaxWorkers <= 0 {
		return fmt.Errorf("dispatcher.max_workers must be positive")
	}
	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("dispatcher.poll_interval must be positive")
	}
	if c.Runner.TaskBudget <= 0 {
		return fmt.Errorf("runner.task_budget must be positive")
	}
	if c.Queue.ReclaimInterval <= 0 {
		return fmt.Errorf("queue.reclaim_interval must be positive")
	}
	// A claimed message must stay invisible for the longest possible run,
	// or the reclaimer hands the job to a second worker.
	if longest := c.Runner.TaskBudget.Std() + TaskOverhead; c.Queue.VisibilityTimeout.Std() <= longest {
		return fmt.Errorf("queue.visibility_timeout (%s) must exceed runner.task_budget plus %s (%s)",
			c.Queue.VisibilityTimeout.Std(), TaskOverhead, longest)
	}
	switch c.General.DatabaseDriver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("general.database_driver must be sqlite or pgx, got %q", c.General.DatabaseDriver)
	}
	switch c.Dispatcher.Environment {
	case "", "bare", "container", "orchestrated":
	default:
		return fmt.Errorf("dispatcher.environment %q is not one of bare, container, orchestrated", c.Dispatcher.Environment)
	}
	return nil
}

// Addr returns the host:port the web server listens on
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "roomote", "config.toml")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(v)
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(v)
}
