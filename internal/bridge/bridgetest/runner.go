// Package bridgetest provides an in-process task runner for exercising the
// bridge and the orchestrator without an editor.
package bridgetest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/roomote-orchestrator/internal/bridge"
	"github.com/hochfrequenz/roomote-orchestrator/internal/runnerproto"
)

// Handler drives one runner connection.
type Handler func(s *Session)

// Runner serves the runner side of the IPC protocol on a unix socket.
type Runner struct {
	Path string

	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	handle   Handler

	mu       sync.Mutex
	commands []runnerproto.EnvelopeRaw
	sessions int
}

// Serve listens on path and runs handle for every connection.
func Serve(path string, handle Handler) (*Runner, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		Path:     path,
		ln:       ln,
		handle:   handle,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	r.server = &http.Server{Handler: http.HandlerFunc(r.serveWS)}
	go r.server.Serve(ln)
	return r, nil
}

func (r *Runner) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.sessions++
	r.mu.Unlock()

	s := &Session{conn: conn, runner: r, commands: make(chan runnerproto.EnvelopeRaw, 64)}
	go s.readLoop()
	if r.handle != nil {
		r.handle(s)
	}
}

// Close stops the listener and removes the socket file.
func (r *Runner) Close() {
	r.server.Close()
	os.Remove(r.Path)
}

// Commands returns every command received so far, in order.
func (r *Runner) Commands() []runnerproto.EnvelopeRaw {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runnerproto.EnvelopeRaw{}, r.commands...)
}

// CommandTypes returns the types of every command received so far.
func (r *Runner) CommandTypes() []string {
	var types []string
	for _, c := range r.Commands() {
		types = append(types, c.Type)
	}
	return types
}

// Sessions returns how many connections were accepted.
func (r *Runner) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// Session is one accepted connection.
type Session struct {
	conn     *websocket.Conn
	runner   *Runner
	mu       sync.Mutex
	commands chan runnerproto.EnvelopeRaw
}

func (s *Session) readLoop() {
	defer close(s.commands)
	for {
		var env runnerproto.EnvelopeRaw
		if err := s.conn.ReadJSON(&env); err != nil {
			return
		}
		s.runner.mu.Lock()
		s.runner.commands = append(s.runner.commands, env)
		s.runner.mu.Unlock()
		s.commands <- env
	}
}

// Send writes one envelope to the client.
func (s *Session) Send(msgType string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(runnerproto.Envelope{Type: msgType, Payload: payload})
}

// Ack signals readiness.
func (s *Session) Ack() error {
	return s.Send(runnerproto.TypeAck, runnerproto.AckMessage{ClientID: "fake", PID: os.Getpid()})
}

// Message emits a task message.
func (s *Session) Message(taskID, text string, partial bool) error {
	return s.Send(runnerproto.TypeMessage, runnerproto.MessageEvent{
		TaskID:  taskID,
		Action:  "created",
		Message: runnerproto.TaskMessage{TS: time.Now().UnixMilli(), Type: "say", Say: "text", Text: text, Partial: partial},
	})
}

// TaskStarted emits the started event.
func (s *Session) TaskStarted(taskID string) error {
	return s.Send(runnerproto.TypeTaskStarted, runnerproto.TaskEvent{TaskID: taskID})
}

// TaskAborted emits the aborted event.
func (s *Session) TaskAborted(taskID string) error {
	return s.Send(runnerproto.TypeTaskAborted, runnerproto.TaskEvent{TaskID: taskID})
}

// TaskCompleted emits the completed event.
func (s *Session) TaskCompleted(taskID string) error {
	return s.Send(runnerproto.TypeTaskCompleted, runnerproto.TaskCompletedEvent{TaskID: taskID})
}

// Next waits up to d for the next command from the client.
func (s *Session) Next(d time.Duration) (runnerproto.EnvelopeRaw, bool) {
	select {
	case env, ok := <-s.commands:
		return env, ok
	case <-time.After(d):
		return runnerproto.EnvelopeRaw{}, false
	}
}

// Expect waits for a command of msgType, skipping others.
func (s *Session) Expect(msgType string, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		env, ok := s.Next(left)
		if !ok {
			return false
		}
		if env.Type == msgType {
			return true
		}
	}
}

// Close drops the connection.
func (s *Session) Close() {
	s.conn.Close()
}

// Launcher is a bridge.Launcher that serves a Runner on the socket named in
// the launch environment instead of starting an editor.
type Launcher struct {
	Handler Handler
	// IgnoreCancel keeps the fake process alive after cancellation until Kill.
	IgnoreCancel bool
	// Delay postpones creating the socket.
	Delay time.Duration
	// NoSocket never creates the socket.
	NoSocket bool
	KillErr  error

	mu      sync.Mutex
	specs   []bridge.LaunchSpec
	runners []*Runner
	procs   []*Process
}

// Launch records spec and starts the fake runner.
func (l *Launcher) Launch(ctx context.Context, spec bridge.LaunchSpec) (bridge.Process, error) {
	path := spec.Env[bridge.SocketEnv]
	if path == "" {
		return nil, errors.New("no socket path in environment")
	}

	p := &Process{done: make(chan struct{}), killErr: l.KillErr}
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	go func() {
		if l.NoSocket {
			return
		}
		if l.Delay > 0 {
			time.Sleep(l.Delay)
		}
		r, err := Serve(path, l.Handler)
		if err != nil {
			return
		}
		l.mu.Lock()
		l.runners = append(l.runners, r)
		l.mu.Unlock()
		<-p.done
		r.Close()
	}()

	if !l.IgnoreCancel {
		go func() {
			<-ctx.Done()
			p.exit()
		}()
	}
	return p, nil
}

// Specs returns the recorded launch specs.
func (l *Launcher) Specs() []bridge.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bridge.LaunchSpec{}, l.specs...)
}

// Runner returns the i-th runner started, or nil.
func (l *Launcher) Runner(i int) *Runner {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.runners) {
		return nil
	}
	return l.runners[i]
}

// Process returns the i-th process launched, or nil.
func (l *Launcher) Process(i int) *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.procs) {
		return nil
	}
	return l.procs[i]
}

// Process is a fake editor process.
type Process struct {
	done    chan struct{}
	once    sync.Once
	killed  bool
	mu      sync.Mutex
	killErr error
}

func (p *Process) Pid() int              { return 0 }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return p.killErr
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Exited reports whether the process has ended.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) exit() {
	p.once.Do(func() { close(p.done) })
}
