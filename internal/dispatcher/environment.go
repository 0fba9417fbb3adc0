package dispatcher

import (
	"fmt"
	"os"
	"strings"
)

// Environment is where worker processes run.
type Environment string

const (
	EnvBare         Environment = "bare"
	EnvContainer    Environment = "container"
	EnvOrchestrated Environment = "orchestrated"
)

// ParseEnvironment converts a configured name. Empty means "detect".
func ParseEnvironment(s string) (Environment, error) {
	switch e := Environment(strings.ToLower(strings.TrimSpace(s))); e {
	case "", EnvBare, EnvContainer, EnvOrchestrated:
		return e, nil
	default:
		return "", fmt.Errorf("unknown execution environment %q", s)
	}
}

// HostInfo answers the questions used to pick an Environment.
type HostInfo struct {
	Getenv     func(string) string
	FileExists func(string) bool
}

// SystemHost inspects the current process.
func SystemHost() HostInfo {
	return HostInfo{
		Getenv: os.Getenv,
		FileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// DetectEnvironment resolves the environment once. A forced value wins;
// otherwise a cluster service host means orchestrated, a container marker
// means container, and anything else is bare.
func DetectEnvironment(forced Environment, p HostInfo) Environment {
	if forced != "" {
		return forced
	}
	getenv := p.Getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	exists := p.FileExists
	if exists == nil {
		exists = func(string) bool { return false }
	}

	switch {
	case getenv("KUBERNETES_SERVICE_HOST") != "":
		return EnvOrchestrated
	case getenv("ROOMOTE_IN_CONTAINER") != "", exists("/.dockerenv"), exists("/run/.containerenv"):
		return EnvContainer
	default:
		return EnvBare
	}
}

// Command is a process to start.
type Command struct {
	Name string
	Args []string
	// Env holds extra KEY=VALUE pairs on top of the controller's own
	// environment.
	Env []string
}

// SpawnSpec describes one worker to launch.
type SpawnSpec struct {
	WorkerID string
	// Binary is the roomote executable for bare workers.
	Binary string
	// ConfigPath is forwarded with --config when set.
	ConfigPath string
	Image      string
	Network    string
	Namespace  string
	// Env is forwarded to the worker as KEY=VALUE pairs.
	Env []string
}

// CommandBuilder turns a spec into the command for one environment.
type CommandBuilder func(spec SpawnSpec) Command

var builders = map[Environment]CommandBuilder{
	EnvBare:         bareCommand,
	EnvContainer:    containerCommand,
	EnvOrchestrated: orchestratedCommand,
}

// BuildCommand returns the worker command for env.
func BuildCommand(env Environment, spec SpawnSpec) (Command, error) {
	build, ok := builders[env]
	if !ok {
		return Command{}, fmt.Errorf("no command builder for environment %q", env)
	}
	return build(spec), nil
}

func workerArgs(spec SpawnSpec) []string {
	args := []string{"worker", "--worker-id", spec.WorkerID}
	if spec.ConfigPath != "" {
		args = append(args, "--config", spec.ConfigPath)
	}
	return args
}

func bareCommand(spec SpawnSpec) Command {
	return Command{Name: spec.Binary, Args: workerArgs(spec), Env: spec.Env}
}

func containerCommand(spec SpawnSpec) Command {
	args := []string{"run", "--rm", "--name", "roomote-worker-" + spec.WorkerID}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.Image)
	args = append(args, workerArgs(spec)...)
	return Command{Name: "docker", Args: args}
}

func orchestratedCommand(spec SpawnSpec) Command {
	args := []string{
		"run", "roomote-worker-" + spec.WorkerID,
		"--rm", "--attach", "--restart=Never",
		"--image=" + spec.Image,
	}
	if spec.Namespace != "" {
		args = append(args, "--namespace="+spec.Namespace)
	}
	for _, kv := range spec.Env {
		args = append(args, "--env="+kv)
	}
	args = append(args, "--")
	args = append(args, workerArgs(spec)...)
	return Command{Name: "kubectl", Args: args}
}
