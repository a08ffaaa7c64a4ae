package bridge

import (
	"errors"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// Frame types exchanged on the daemon WebSocket.
const (
	FrameAction = "action" // relay → daemon
	FrameAck    = "ack"    // daemon → relay
	FrameError  = "error"  // daemon → relay
)

// Error codes carried by FrameError.
const (
	CodeSessionNotFound = "session_not_found"
	CodeInvalidAction   = "invalid_action"
	CodeInternal        = "internal"
)

var (
	// ErrDaemonOffline means the account has no connected daemon.
	ErrDaemonOffline = errors.New("bridge: daemon offline")

	// ErrTimeout means the daemon did not answer in time. The action may
	// or may not have reached the agent.
	ErrTimeout = errors.New("bridge: daemon did not acknowledge in time")

	// ErrSessionNotFound means the daemon has no live session with that id.
	ErrSessionNotFound = errors.New("bridge: session not found")

	// ErrActionFailed is any other error the daemon reported.
	ErrActionFailed = errors.New("bridge: action failed")
)

// Frame is one JSON message on the daemon WebSocket. ID pairs a response
// with its request.
type Frame struct {
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	Action  *models.Action    `json:"action,omitempty"`
	Ack     *models.ActionAck `json:"ack,omitempty"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

// ErrorFrame builds the response frame for a failed action. err is mapped
// to a code with errors.Is, so callers may wrap the sentinels.
func ErrorFrame(id string, err error) Frame {
	code := CodeInternal
	switch {
	case errors.Is(err, ErrSessionNotFound):
		code = CodeSessionNotFound
	case errors.Is(err, models.ErrInvalidAction):
		code = CodeInvalidAction
	}
	return Frame{Type: FrameError, ID: id, Code: code, Message: err.Error()}
}
