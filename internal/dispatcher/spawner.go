package dispatcher

import (
	"io"
	"os"
	"os/exec"
)

// Process is a started worker.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
}

// ProcessSpawner starts worker processes.
type ProcessSpawner interface {
	Spawn(cmd Command) (Process, error)
}

// ExecSpawner starts commands with os/exec and pipes their output to the
// controller's own streams.
type ExecSpawner struct {
	Stdout io.Writer
	Stderr io.Writer
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p execProcess) Wait() error { return p.cmd.Wait() }

// Spawn starts cmd. The child is not bound to any context: stopping the
// controller leaves running workers alone.
func (s ExecSpawner) Spawn(c Command) (Process, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd: cmd}, nil
}
