package ipc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the version both sides exchange during the handshake.
// A major-version mismatch rejects the connection before any command runs.
const ProtocolVersion = "1.0"

// Action enumerates the commands a client may send.
type Action string

const (
	ActionPing     Action = "ping"
	ActionStatus   Action = "status"
	ActionStart    Action = "start_service"
	ActionStop     Action = "stop_service"
	ActionRestart  Action = "restart_service"
	ActionShutdown Action = "shutdown"
)

// Privileged reports whether the action mutates orchestrator state and is
// therefore subject to per-connection rate limiting.
func (a Action) Privileged() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionShutdown:
		return true
	}
	return false
}

// ErrorCode is the closed error taxonomy of the protocol.
type ErrorCode string

const (
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeConcurrencyLimit ErrorCode = "CONCURRENCY_LIMIT"
	CodeInternal         ErrorCode = "INTERNAL"
)

// ClientInfo identifies the requesting process for auditing.
type ClientInfo struct {
	PID     int    `json:"pid"`
	User    string `json:"user"`
	Version string `json:"version,omitempty"`
}

// Request is one framed command.
type Request struct {
	ProtocolVersion string            `json:"protocol_version"`
	RequestID       string            `json:"request_id"`
	Action          Action            `json:"action"`
	Options         map[string]string `json:"options,omitempty"`
	Filters         []string          `json:"filters,omitempty"`
	Streaming       bool              `json:"streaming,omitempty"`
	TimeoutMS       int64             `json:"timeout_ms,omitempty"`
	ClientInfo      ClientInfo        `json:"client_info"`
	AuthToken       string            `json:"auth_token,omitempty"`
}

// NewRequest builds a request with a fresh UUID and the current protocol
// version.
func NewRequest(action Action) Request {
	return Request{
		ProtocolVersion: ProtocolVersion,
		RequestID:       uuid.NewString(),
		Action:          action,
		Options:         map[string]string{},
	}
}

// Timeout returns the request deadline as a duration, or def when unset.
func (r Request) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMS <= 0 {
		return def
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Validate rejects malformed requests before dispatch.
func (r Request) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if _, err := uuid.Parse(r.RequestID); err != nil {
		return fmt.Errorf("request_id must be a UUID: %w", err)
	}
	switch r.Action {
	case ActionPing, ActionStatus, ActionStart, ActionStop, ActionRestart, ActionShutdown:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// Error is the structured error carried by terminal error frames.
type Error struct {
	Code    ErrorCode         `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Progress is one non-terminal frame of a streaming response, emitted per
// service state transition.
type Progress struct {
	Service string    `json:"service"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Response is one framed reply. A frame with Progress set is non-terminal;
// the terminal frame has Progress nil and Status ok or error.
type Response struct {
	RequestID       string          `json:"request_id"`
	Status          string          `json:"status"`
	Progress        *Progress       `json:"progress,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *Error          `json:"error,omitempty"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Terminal reports whether this frame ends the exchange.
func (r Response) Terminal() bool { return r.Progress == nil }

// OKResponse builds a terminal success frame carrying result.
func OKResponse(requestID string, result any) (Response, error) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return Response{}, err
		}
		raw = b
	}
	return Response{
		RequestID:       requestID,
		Status:          StatusOK,
		Result:          raw,
		ServerTimestamp: time.Now().UTC(),
	}, nil
}

// ErrResponse builds a terminal error frame.
func ErrResponse(requestID string, code ErrorCode, msg string) Response {
	return Response{
		RequestID:       requestID,
		Status:          StatusError,
		Error:           &Error{Code: code, Message: msg},
		ServerTimestamp: time.Now().UTC(),
	}
}

// ProgressResponse builds a non-terminal progress frame.
func ProgressResponse(requestID string, p Progress) Response {
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	return Response{
		RequestID:       requestID,
		Status:          StatusOK,
		Progress:        &p,
		ServerTimestamp: time.Now().UTC(),
	}
}

// MajorVersion parses the major component of a protocol version string.
func MajorVersion(v string) (int, error) {
	head, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, fmt.Errorf("malformed protocol version %q", v)
	}
	return n, nil
}

// CompatibleVersion reports whether a peer version can talk to this side.
func CompatibleVersion(peer string) bool {
	pm, err := MajorVersion(peer)
	if err != nil {
		return false
	}
	om, _ := MajorVersion(ProtocolVersion)
	return pm == om
}
