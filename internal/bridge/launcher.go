package bridge

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
)

// LaunchSpec describes one editor process.
type LaunchSpec struct {
	Workspace string
	Env       map[string]string
	// Container selects the headless variant with a virtual display.
	Container bool
	Stdout    io.Writer
	Stderr    io.Writer
}

// Process is a launched editor.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Kill terminates the process unconditionally.
	Kill() error
}

// Launcher starts editor processes. The process lives until ctx is
// cancelled, at which point it receives SIGTERM.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// EditorLauncher launches the editor binary with the runner extension.
type EditorLauncher struct {
	Binary      string
	UserDataDir string
}

// Command returns the program and arguments for spec.
func (l EditorLauncher) Command(spec LaunchSpec) (string, []string) {
	binary := l.Binary
	if binary == "" {
		binary = "code"
	}
	if !spec.Container {
		return binary, []string{"--disable-workspace-trust", "-n", spec.Workspace}
	}

	userDataDir := l.UserDataDir
	if userDataDir == "" {
		userDataDir = "/roo/.vscode"
	}
	return "xvfb-run", []string{
		"--auto-servernum",
		"--server-num=1",
		binary,
		"--wait",
		"--disable-workspace-trust",
		"--disable-gpu",
		"--disable-lcd-text",
		"--no-sandbox",
		"--user-data-dir", userDataDir,
		"--password-store=basic",
		"-n", spec.Workspace,
	}
}

// Launch starts the editor.
func (l EditorLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	name, args := l.Command(spec)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = spec.Workspace
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := append([]string{}, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
