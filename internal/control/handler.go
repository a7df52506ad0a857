// Package control dispatches control commands to the engine. Commands
// arrive as JSON over the WebSocket or the MQTT control topic.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Command names
const (
	CmdStartMeeting     = "start_meeting"
	CmdEndMeeting       = "end_meeting"
	CmdGetStatus        = "get_status"
	CmdGetMinutes       = "get_minutes"
	CmdRegisterSource   = "register_source"
	CmdDeregisterSource = "deregister_source"
	CmdGetFacts         = "get_facts"
)

// Response types
const (
	TypeAck             = "COMMAND_ACK"
	TypeStatus          = "STATUS"
	TypeMinutesSnapshot = "MINUTES_SNAPSHOT"
	TypeFacts           = "FACTS"
)

// Response statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrInvalidCommand is returned by Decode for unparseable payloads
var ErrInvalidCommand = errors.New("control: invalid command")

// Command represents a control plane command. Clients may name the command
// with either "command" or "action".
type Command struct {
	Command string                 `json:"command,omitempty"`
	Action  string                 `json:"action,omitempty"`
	ID      string                 `json:"id,omitempty"` // echoed in the response
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Name returns the command name
func (c Command) Name() string {
	if c.Command != "" {
		return c.Command
	}
	return c.Action
}

// Response represents a command response
type Response struct {
	Type       string                 `json:"type"`
	CommandAck string                 `json:"command_ack"`
	ID         string                 `json:"id,omitempty"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnStartMeeting     func() (map[string]interface{}, error)
	OnEndMeeting       func() (map[string]interface{}, error)
	OnGetStatus        func() map[string]interface{}
	OnGetMinutes       func() (map[string]interface{}, error)
	OnRegisterSource   func(id, endpoint string) error
	OnDeregisterSource func(id string) (bool, error) // reports whether id was registered
	OnGetFacts         func(kind string, limit int) (map[string]interface{}, error)
}

// Handler executes commands against the callbacks. It is safe for
// concurrent use when the callbacks are.
type Handler struct {
	callbacks CommandCallbacks
	now       func() time.Time
}

// NewHandler creates a command handler
func NewHandler(callbacks CommandCallbacks) *Handler {
	return &Handler{
		callbacks: callbacks,
		now:       time.Now,
	}
}

// Decode parses a JSON command
func Decode(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if cmd.Name() == "" {
		return Command{}, fmt.Errorf("%w: missing command name", ErrInvalidCommand)
	}
	return cmd, nil
}

// HandleJSON decodes and executes a command. Decode failures produce an
// error response rather than an error.
func (h *Handler) HandleJSON(data []byte) Response {
	cmd, err := Decode(data)
	if err != nil {
		slog.Warn("control: failed to parse command", "error", err)
		return h.stamp(Response{
			Type:       TypeAck,
			CommandAck: "unknown",
			Status:     StatusError,
			Error:      "invalid command",
		})
	}
	return h.Handle(cmd)
}

// Handle executes a command
func (h *Handler) Handle(cmd Command) Response {
	name := cmd.Name()
	resp := Response{
		Type:       TypeAck,
		CommandAck: name,
		ID:         cmd.ID,
	}

	slog.Info("control: command received", "command", name)

	switch name {
	case CmdStartMeeting:
		h.dataCall(&resp, name, h.callbacks.OnStartMeeting)

	case CmdEndMeeting:
		h.dataCall(&resp, name, h.callbacks.OnEndMeeting)

	case CmdGetStatus:
		resp.Type = TypeStatus
		if h.callbacks.OnGetStatus != nil {
			resp.Status = StatusSuccess
			resp.Data = h.callbacks.OnGetStatus()
		} else {
			notImplemented(&resp, name)
		}

	case CmdGetMinutes:
		resp.Type = TypeMinutesSnapshot
		h.dataCall(&resp, name, h.callbacks.OnGetMinutes)

	case CmdRegisterSource:
		if h.callbacks.OnRegisterSource == nil {
			notImplemented(&resp, name)
			break
		}
		id, okID := cmd.Params["id"].(string)
		endpoint, okEndpoint := cmd.Params["endpoint"].(string)
		if !okID || !okEndpoint {
			resp.Status = StatusError
			resp.Error = "missing or invalid 'id' / 'endpoint' parameters (expected strings)"
			break
		}
		if err := h.callbacks.OnRegisterSource(id, endpoint); err != nil {
			resp.Status = StatusError
			resp.Error = err.Error()
			break
		}
		resp.Status = StatusSuccess
		resp.Data = map[string]interface{}{"id": id, "endpoint": endpoint}

	case CmdDeregisterSource:
		if h.callbacks.OnDeregisterSource == nil {
			notImplemented(&resp, name)
			break
		}
		id, ok := cmd.Params["id"].(string)
		if !ok {
			resp.Status = StatusError
			resp.Error = "missing or invalid 'id' parameter (expected string)"
			break
		}
		removed, err := h.callbacks.OnDeregisterSource(id)
		if err != nil {
			resp.Status = StatusError
			resp.Error = err.Error()
			break
		}
		resp.Status = StatusSuccess
		resp.Data = map[string]interface{}{"id": id, "removed": removed}

	case CmdGetFacts:
		resp.Type = TypeFacts
		if h.callbacks.OnGetFacts == nil {
			notImplemented(&resp, name)
			break
		}
		// Both parameters are optional
		kind, _ := cmd.Params["kind"].(string)
		limit, _ := cmd.Params["limit"].(float64)
		h.dataCall(&resp, name, func() (map[string]interface{}, error) {
			return h.callbacks.OnGetFacts(kind, int(limit))
		})

	default:
		resp.Status = StatusError
		resp.Error = fmt.Sprintf("unknown command: %s", name)
		slog.Warn("control: unknown command", "command", name)
	}

	if resp.Status == StatusError {
		slog.Warn("control: command failed", "command", name, "error", resp.Error)
	}
	return h.stamp(resp)
}

func (h *Handler) dataCall(resp *Response, name string, fn func() (map[string]interface{}, error)) {
	if fn == nil {
		notImplemented(resp, name)
		return
	}
	data, err := fn()
	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		return
	}
	resp.Status = StatusSuccess
	resp.Data = data
}

func notImplemented(resp *Response, name string) {
	resp.Status = StatusError
	resp.Error = fmt.Sprintf("%s not implemented", name)
}

func (h *Handler) stamp(resp Response) Response {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)
	return resp
}
