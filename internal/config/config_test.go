package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Dispatcher.MaxWorkers != 5 {
		t.Errorf("MaxWorkers = %d, want 5", cfg.Dispatcher.MaxWorkers)
	}
	if cfg.Dispatcher.PollInterval.Std() != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.Dispatcher.PollInterval.Std())
	}
	if cfg.Runner.TaskBudget.Std() != 30*time.Minute {
		t.Errorf("TaskBudget = %v, want 30m", cfg.Runner.TaskBudget.Std())
	}
	if cfg.Modes["github.pr.comment.respond"] != "pr-fixer" {
		t.Errorf("pr comment mode = %q, want pr-fixer", cfg.Modes["github.pr.comment.respond"])
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[dispatcher]
max_workers = 8
poll_interval = "2s"

[runner]
task_budget = "45m"

[queue]
visibility_timeout = "60m"

[workspaces]
root = "/srv/repos"

[workspaces.registry]
widgets = "/srv/repos/widgets"

[modes]
"general.task" = "architect"

[web]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Dispatcher.MaxWorkers != 8 {
		t.Errorf("MaxWorkers = %d, want 8", cfg.Dispatcher.MaxWorkers)
	}
	if cfg.Dispatcher.PollInterval.Std() != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.Dispatcher.PollInterval.Std())
	}
	if cfg.Runner.TaskBudget.Std() != 45*time.Minute {
		t.Errorf("TaskBudget = %v, want 45m", cfg.Runner.TaskBudget.Std())
	}
	if cfg.Workspaces.Registry["widgets"] != "/srv/repos/widgets" {
		t.Errorf("Registry[widgets] = %q", cfg.Workspaces.Registry["widgets"])
	}
	if cfg.Modes["general.task"] != "architect" {
		t.Errorf("general.task mode = %q, want architect", cfg.Modes["general.task"])
	}
	if cfg.Modes["github.issue.fix"] != "issue-fixer" {
		t.Errorf("unset modes should keep defaults, got %q", cfg.Modes["github.issue.fix"])
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ROOMOTE_MAX_WORKERS", "2")
	t.Setenv("ROOMOTE_TASK_BUDGET", "10m")
	t.Setenv("ROOMOTE_FALLBACK_USER", "user_bot")
	t.Setenv("ROOMOTE_MODES", "slack.app.mention=ask, general.task=debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatcher.MaxWorkers != 2 {
		t.Errorf("MaxWorkers = %d, want 2", cfg.Dispatcher.MaxWorkers)
	}
	if cfg.Runner.TaskBudget.Std() != 10*time.Minute {
		t.Errorf("TaskBudget = %v, want 10m", cfg.Runner.TaskBudget.Std())
	}
	if cfg.Identity.FallbackUser != "user_bot" {
		t.Errorf("FallbackUser = %q, want user_bot", cfg.Identity.FallbackUser)
	}
	if cfg.Modes["slack.app.mention"] != "ask" || cfg.Modes["general.task"] != "debug" {
		t.Errorf("Modes = %v", cfg.Modes)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "zero workers", content: "[dispatcher]\nmax_workers = 0\n"},
		{name: "bad duration", content: "[dispatcher]\npoll_interval = \"soon\"\n"},
		{name: "bad driver", content: "[general]\ndatabase_driver = \"mysql\"\n"},
		{name: "bad environment", content: "[dispatcher]\nenvironment = \"lambda\"\n"},
		{name: "bad env int", env: map[string]string{"ROOMOTE_MAX_WORKERS": "many"}},
		{name: "budget outlives visibility", env: map[string]string{"ROOMOTE_TASK_BUDGET": "60m"}},
		{name: "visibility equals budget", content: "[queue]\nvisibility_timeout = \"30m\"\n"},
		{name: "zero reclaim interval", content: "[queue]\nreclaim_interval = \"0s\"\n"},
		{name: "bad visibility env", env: map[string]string{"ROOMOTE_VISIBILITY_TIMEOUT": "later"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_LongBudgetWithLongerVisibility(t *testing.T) {
	t.Setenv("ROOMOTE_TASK_BUDGET", "60m")
	t.Setenv("ROOMOTE_VISIBILITY_TIMEOUT", "90m")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.VisibilityTimeout.Std() != 90*time.Minute {
		t.Errorf("VisibilityTimeout = %s", cfg.Queue.VisibilityTimeout.Std())
	}
}

func TestDefaultVisibilityCoversBudget(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Queue.VisibilityTimeout.Std() <= cfg.Runner.TaskBudget.Std()+TaskOverhead {
		t.Error("default visibility timeout does not cover a full run")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
