package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/roomote-orchestrator/internal/runnerproto"
)

// ErrConnectFailed is returned when no attempt produced a ready session.
var ErrConnectFailed = errors.New("could not connect to runner")

// ErrNotConnected is returned when sending on a closed session.
var ErrNotConnected = errors.New("runner client not connected")

// EventDisconnect is emitted once when the session ends.
const EventDisconnect = "disconnect"

// writeWait is time allowed to write a message
const writeWait = 10 * time.Second

// Event is one message received from the runner, in arrival order.
type Event struct {
	Type    string
	TaskID  string
	Message *runnerproto.TaskMessage
	Raw     json.RawMessage
}

// Client is an IPC session with one runner.
type Client struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	events    chan Event
	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	connected atomic.Bool
	clientID  atomic.Value
	log       *slog.Logger
}

// Dial opens a session over the unix socket at socketPath.
func Dial(ctx context.Context, socketPath string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, "ws://localhost/ipc", nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan Event),
		ready:  make(chan struct{}),
		stop:   make(chan struct{}),
		log:    log,
	}
	c.connected.Store(true)
	go c.readLoop()
	return c, nil
}

// Connect dials and waits up to readyWait for the runner's ack, retrying
// with a fresh connection up to attempts times.
func Connect(ctx context.Context, socketPath string, attempts int, readyWait time.Duration, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := Dial(ctx, socketPath, log)
		if err == nil {
			if c.WaitReady(ctx, readyWait) {
				log.Info("connected to runner", "attempt", attempt, "client_id", c.ClientID())
				return c, nil
			}
			c.Disconnect()
			err = errors.New("runner not ready")
		}
		lastErr = err
		log.Warn("runner connect attempt failed", "attempt", attempt, "of", attempts, "error", err)

		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
			case <-time.After(readyWait / 4):
			}
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, attempts, lastErr)
}

// WaitReady reports whether the runner acknowledged the session within d.
func (c *Client) WaitReady(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Events returns the ordered event stream. The channel is closed after the
// disconnect event.
func (c *Client) Events() <-chan Event { return c.events }

// IsConnected reports whether the session is still open.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// ClientID returns the id the runner assigned in its ack.
func (c *Client) ClientID() string {
	id, _ := c.clientID.Load().(string)
	return id
}

// StartNewTask asks the runner to start a task.
func (c *Client) StartNewTask(cmd runnerproto.StartNewTaskCommand) error {
	return c.send(runnerproto.TypeStartNewTask, cmd)
}

// CancelTask asks the runner to cancel a task.
func (c *Client) CancelTask(taskID string) error {
	return c.send(runnerproto.TypeCancelTask, runnerproto.TaskCommand{TaskID: taskID})
}

// CloseTask asks the runner to close a task and its window.
func (c *Client) CloseTask(taskID string) error {
	return c.send(runnerproto.TypeCloseTask, runnerproto.TaskCommand{TaskID: taskID})
}

func (c *Client) send(msgType string, payload interface{}) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	data, err := runnerproto.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the session. It is safe to call more than once.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		c.connected.Store(false)
		close(c.stop)
		c.mu.Lock()
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.mu.Unlock()
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			c.log.Debug("runner read ended", "error", err)
			c.emit(Event{Type: EventDisconnect})
			return
		}

		var env runnerproto.EnvelopeRaw
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("invalid runner message", "error", err)
			continue
		}

		ev := Event{Type: env.Type, Raw: env.Payload}
		switch env.Type {
		case runnerproto.TypeAck:
			var ack runnerproto.AckMessage
			if err := json.Unmarshal(env.Payload, &ack); err == nil {
				c.clientID.Store(ack.ClientID)
			}
			c.readyOnce.Do(func() { close(c.ready) })
			continue

		case runnerproto.TypeMessage:
			var msg runnerproto.MessageEvent
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				c.log.Warn("invalid message event", "error", err)
				continue
			}
			ev.TaskID = msg.TaskID
			ev.Message = &msg.Message

		default:
			var te runnerproto.TaskEvent
			if err := json.Unmarshal(env.Payload, &te); err == nil {
				ev.TaskID = te.TaskID
			}
		}

		if !c.emit(ev) {
			c.connected.Store(false)
			return
		}
	}
}

// emit delivers ev unless the session was closed locally.
func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}
