// Package agentproto is the line protocol between the daemon and the agent
// subprocess it supervises.
//
// Each message is one JSON object on one line with a "type" tag. The agent
// writes Events to stdout; the daemon writes Commands to the agent's stdin.
// Both sets are closed: only the types in this package satisfy them.
package agentproto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single protocol line.
const MaxLineSize = 1 << 20

var (
	// ErrUnknownType is returned when decoding a line with an unrecognized type.
	ErrUnknownType = errors.New("agentproto: unknown message type")

	// ErrMalformed is returned for a line that is not a valid message.
	ErrMalformed = errors.New("agentproto: malformed line")
)

// Type tags.
const (
	TypeReady          = "ready"
	TypeSessionStarted = "session-started"
	TypeSessionEnded   = "session-ended"
	TypeMessage        = "message"
	TypeLog            = "log"

	TypeUserMessage = "user-message"
	TypeView        = "view"
	TypeShutdown    = "shutdown"
)

// ── Agent → daemon ──────────────────────────────────────────

// Event is a line the agent writes to stdout.
type Event interface {
	EventType() string
	isEvent()
}

// Ready is sent once the agent can accept commands.
type Ready struct{}

// SessionStarted announces a new live conversation.
type SessionStarted struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
}

// SessionEnded announces that a conversation is over.
type SessionEnded struct {
	SessionID string `json:"sessionId"`
}

// Message is agent output meant for the user's devices. ID is stable across
// retries and becomes the feed repeat key.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	Priority  string `json:"priority,omitempty"`
}

// Log is a diagnostic line for the daemon log.
type Log struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

func (Ready) EventType() string          { return TypeReady }
func (SessionStarted) EventType() string { return TypeSessionStarted }
func (SessionEnded) EventType() string   { return TypeSessionEnded }
func (Message) EventType() string        { return TypeMessage }
func (Log) EventType() string            { return TypeLog }

func (Ready) isEvent()          {}
func (SessionStarted) isEvent() {}
func (SessionEnded) isEvent()   {}
func (Message) isEvent()        {}
func (Log) isEvent()            {}

// ── Daemon → agent ──────────────────────────────────────────

// Command is a line the daemon writes to the agent's stdin.
type Command interface {
	CommandType() string
	isCommand()
}

// UserMessage is a quick reply typed on a device.
type UserMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// View tells the agent a device opened a thread.
type View struct {
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId"`
}

// Shutdown asks the agent to exit cleanly.
type Shutdown struct{}

func (UserMessage) CommandType() string { return TypeUserMessage }
func (View) CommandType() string        { return TypeView }
func (Shutdown) CommandType() string    { return TypeShutdown }

func (UserMessage) isCommand() {}
func (View) isCommand()        {}
func (Shutdown) isCommand()    {}

// ── Encoding ────────────────────────────────────────────────

// marshalTagged encodes v with a "type" field added.
func marshalTagged(typ string, v any) ([]byte, error) {
	fields, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(typ)

	out := make([]byte, 0, len(fields)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(fields) > 2 { // not "{}"
		out = append(out, ',')
		out = append(out, fields[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// MarshalEvent encodes e as one line without the trailing newline.
func MarshalEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("agentproto: nil event")
	}
	return marshalTagged(e.EventType(), e)
}

// MarshalCommand encodes c as one line without the trailing newline.
func MarshalCommand(c Command) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("agentproto: nil command")
	}
	return marshalTagged(c.CommandType(), c)
}

func peekType(line []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return head.Type, nil
}

func decodeEvent[T Event](line []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return v, nil
}

func decodeCommand[T Command](line []byte) (Command, error) {
	var v T
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return v, nil
}

// UnmarshalEvent decodes one stdout line.
func UnmarshalEvent(line []byte) (Event, error) {
	typ, err := peekType(line)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeReady:
		return Ready{}, nil
	case TypeSessionStarted:
		return decodeEvent[SessionStarted](line)
	case TypeSessionEnded:
		return decodeEvent[SessionEnded](line)
	case TypeMessage:
		return decodeEvent[Message](line)
	case TypeLog:
		return decodeEvent[Log](line)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// UnmarshalCommand decodes one stdin line.
func UnmarshalCommand(line []byte) (Command, error) {
	typ, err := peekType(line)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeUserMessage:
		return decodeCommand[UserMessage](line)
	case TypeView:
		return decodeCommand[View](line)
	case TypeShutdown:
		return Shutdown{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// ── Streams ─────────────────────────────────────────────────

// Writer writes newline-terminated lines. Safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteCommand writes one command line.
func (w *Writer) WriteCommand(c Command) error {
	line, err := MarshalCommand(c)
	if err != nil {
		return err
	}
	return w.writeLine(line)
}

// WriteEvent writes one event line.
func (w *Writer) WriteEvent(e Event) error {
	line, err := MarshalEvent(e)
	if err != nil {
		return err
	}
	return w.writeLine(line)
}

func (w *Writer) writeLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(append(line, '\n'))
	return err
}

// Reader reads lines from r.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Reader{sc: sc}
}

// next returns the next non-empty line, or io.EOF.
func (r *Reader) next() ([]byte, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ReadEvent returns the next event. A malformed line returns an error but
// leaves the reader usable; io.EOF means the stream ended.
func (r *Reader) ReadEvent() (Event, error) {
	line, err := r.next()
	if err != nil {
		return nil, err
	}
	return UnmarshalEvent(line)
}

// ReadCommand returns the next command, like ReadEvent.
func (r *Reader) ReadCommand() (Command, error) {
	line, err := r.next()
	if err != nil {
		return nil, err
	}
	return UnmarshalCommand(line)
}
