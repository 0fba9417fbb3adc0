// Package runnerproto defines the messages exchanged with the editor task
// runner. Messages flow as JSON envelopes over a WebSocket carried on the
// runner's local IPC socket.
package runnerproto

import "encoding/json"

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Runner -> orchestrator messages

// AckMessage is sent once the runner accepted the connection and is ready
// for commands
type AckMessage struct {
	ClientID string `json:"clientId"`
	PID      int    `json:"pid"`
	PPID     int    `json:"ppid"`
}

// TaskEvent carries the runner-assigned task id of a lifecycle event
type TaskEvent struct {
	TaskID string `json:"taskId"`
}

// TaskMessage is one chat message produced by a running task
type TaskMessage struct {
	TS      int64  `json:"ts"`
	Type    string `json:"type"` // "say" or "ask"
	Say     string `json:"say,omitempty"`
	Ask     string `json:"ask,omitempty"`
	Text    string `json:"text,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

// MessageEvent wraps a task message
type MessageEvent struct {
	TaskID  string      `json:"taskId"`
	Action  string      `json:"action,omitempty"`
	Message TaskMessage `json:"message"`
}

// TaskCompletedEvent reports a finished task
type TaskCompletedEvent struct {
	TaskID     string          `json:"taskId"`
	TokenUsage json.RawMessage `json:"tokenUsage,omitempty"`
}

// Orchestrator -> runner commands

// StartNewTaskCommand starts a task with the given prompt
type StartNewTaskCommand struct {
	Configuration map[string]any `json:"configuration"`
	Text          string         `json:"text"`
	Images        []string       `json:"images,omitempty"`
	NewTab        bool           `json:"newTab,omitempty"`
}

// TaskCommand targets a running task
type TaskCommand struct {
	TaskID string `json:"taskId"`
}

// Message type constants
const (
	TypeAck           = "ack"
	TypeMessage       = "message"
	TypeTaskStarted   = "taskStarted"
	TypeTaskAborted   = "taskAborted"
	TypeTaskCompleted = "taskCompleted"

	TypeStartNewTask = "startNewTask"
	TypeCancelTask   = "cancelTask"
	TypeCloseTask    = "closeTask"
)

// BaselineConfiguration returns the settings every task starts with
func BaselineConfiguration() map[string]any {
	return map[string]any{
		"alwaysAllowReadOnly":                 true,
		"alwaysAllowReadOnlyOutsideWorkspace": true,
		"alwaysAllowWrite":                    true,
		"alwaysAllowWriteOutsideWorkspace":    true,
		"alwaysAllowWriteProtected":           true,
		"alwaysAllowExecute":                  true,
		"alwaysAllowBrowser":                  true,
		"alwaysAllowMcp":                      true,
		"alwaysAllowModeSwitch":               true,
		"alwaysAllowSubtasks":                 true,
		"alwaysApproveResubmit":               true,
		"autoApprovalEnabled":                 true,
		"allowedCommands":                     []string{"*"},
		"deniedCommands":                      []string{},
	}
}

// MergeConfiguration returns the baseline overlaid with overrides and the
// selected mode, if any
func MergeConfiguration(overrides map[string]any, mode string) map[string]any {
	cfg := BaselineConfiguration()
	for k, v := range overrides {
		cfg[k] = v
	}
	if mode != "" {
		cfg["mode"] = mode
	}
	return cfg
}
