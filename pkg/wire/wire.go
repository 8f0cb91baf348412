package wire

import (
	"errors"
	"fmt"
)

// AgentPath is the collector path agents POST their stream to.
const AgentPath = "/agent/v1"

// Outbound command names (agent → collector).
const (
	CmdUpdate       = "update"
	CmdInstances    = "instances"
	CmdTopCalls     = "topCalls"
	CmdReportError  = "reportError"
	CmdProfileStart = "profile:start"
	CmdProfileStop  = "profile:stop"
	CmdProfileRun   = "profileRun"
)

// Inbound command names (collector → agent). CmdClusterStatus travels in
// both directions: agents push it, and a collector may echo it back.
const (
	CmdCPUStart          = "cpu:start"
	CmdCPUStop           = "cpu:stop"
	CmdMemoryStart       = "memory:start"
	CmdMemoryStop        = "memory:stop"
	CmdClusterResize     = "cluster:resize"
	CmdClusterRestartAll = "cluster:restart-all"
	CmdClusterTerminate  = "cluster:terminate"
	CmdClusterShutdown   = "cluster:shutdown"
	CmdClusterStatus     = "cluster:status"
)

var (
	// ErrMalformed is returned by decoders when a frame cannot be parsed.
	ErrMalformed = errors.New("wire: malformed frame")

	// ErrUnencodable is returned by encoders when a value cannot be
	// marshalled (a NaN float in JSON, a channel). Nothing was written.
	ErrUnencodable = errors.New("wire: value cannot be encoded")

	// ErrMissingSession marks a handshake acknowledgement without a sessionId.
	ErrMissingSession = errors.New("wire: handshake ack has no sessionId")

	// ErrMissingCmd marks a command frame without a string cmd field.
	ErrMissingCmd = errors.New("wire: frame has no cmd")
)

// Handshake is the first frame an agent writes on every connection.
// SessionID is empty on the first connect of a process.
type Handshake struct {
	AgentVersion string `json:"agentVersion"`
	AppName      string `json:"appName"`
	Hostname     string `json:"hostname"`
	Key          string `json:"key"`
	PID          int    `json:"pid"`
	SessionID    string `json:"sessionId,omitempty"`
}

// Ack is the collector's handshake acknowledgement. Fields holds the whole
// decoded frame, including any collector-specific additions.
type Ack struct {
	SessionID string
	Fields    map[string]any
}

// Command is a {cmd, args} frame.
type Command struct {
	Name string `json:"cmd"`
	Args Args   `json:"args"`
}

// NewCommand builds a Command. A nil args list is encoded as [].
func NewCommand(name string, args ...any) Command {
	if args == nil {
		args = []any{}
	}
	return Command{Name: name, Args: args}
}

// ErrorReport is the payload of a reportError command.
type ErrorReport struct {
	ID      string `json:"id,omitempty"`
	TS      int64  `json:"ts"`
	Type    string `json:"type"`
	Stack   string `json:"stack"`
	Command string `json:"command,omitempty"`
}

// ParseAck validates a decoded handshake acknowledgement.
func ParseAck(m map[string]any) (Ack, error) {
	id, ok := m["sessionId"].(string)
	if !ok || id == "" {
		return Ack{}, ErrMissingSession
	}
	return Ack{SessionID: id, Fields: m}, nil
}

// ParseCommand validates a decoded command frame. A missing args field is
// treated as an empty list; args of any other type are rejected.
func ParseCommand(m map[string]any) (Command, error) {
	name, ok := m["cmd"].(string)
	if !ok || name == "" {
		return Command{}, ErrMissingCmd
	}
	cmd := Command{Name: name, Args: Args{}}
	switch raw := m["args"].(type) {
	case nil:
	case []any:
		cmd.Args = raw
	default:
		return Command{}, fmt.Errorf("%w: args of %q is %T, want list", ErrMalformed, name, raw)
	}
	return cmd, nil
}

// ParseHandshake validates a decoded agent handshake. Key and appName are
// required; pid may arrive as any numeric type.
func ParseHandshake(m map[string]any) (Handshake, error) {
	var hs Handshake
	hs.AgentVersion, _ = m["agentVersion"].(string)
	hs.AppName, _ = m["appName"].(string)
	hs.Hostname, _ = m["hostname"].(string)
	hs.Key, _ = m["key"].(string)
	hs.SessionID, _ = m["sessionId"].(string)
	if pid, ok := (Args{m["pid"]}).Int(0); ok {
		hs.PID = pid
	}
	if hs.Key == "" {
		return hs, fmt.Errorf("%w: handshake has no key", ErrMalformed)
	}
	if hs.AppName == "" {
		return hs, fmt.Errorf("%w: handshake has no appName", ErrMalformed)
	}
	return hs, nil
}
