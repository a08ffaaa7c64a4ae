// Package models defines the core data types shared by the zenflo relay,
// the daemon and the CLI.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ── Accounts ────────────────────────────────────────────────

// Account is a relay-side identity bound to a single Ed25519 public key.
// The relay never sees the secret the key was derived from.
type Account struct {
	ID        string    `json:"id"`
	PublicKey []byte    `json:"publicKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// ── Encrypted key-value ─────────────────────────────────────

// EncryptedBlob is an opaque sealed payload. The relay stores and serves it
// byte-for-byte and never inspects either field.
type EncryptedBlob struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// KVEntry is an EncryptedBlob stored under an opaque key for one account.
type KVEntry struct {
	UserID string `json:"-"`
	Key    string `json:"key"`
	EncryptedBlob
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ── Feed ────────────────────────────────────────────────────

// FeedBodyKind discriminates the FeedBody variants on the wire.
type FeedBodyKind string

const (
	FeedKindClaudeMessage FeedBodyKind = "claude-message"
	FeedKindText          FeedBodyKind = "text"
	FeedKindSessionEvent  FeedBodyKind = "session-event"
)

// FeedBody is the typed payload of a FeedItem. The set of implementations
// is closed: only the types in this package satisfy it.
type FeedBody interface {
	Kind() FeedBodyKind
	isFeedBody()
}

// ClaudeMessageBody is an agent-to-user message delivered through the inbox.
type ClaudeMessageBody struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// TextBody is a free-form text item, typically written by a device.
type TextBody struct {
	Text string `json:"text"`
}

// SessionEventBody records a lifecycle change of an agent session.
type SessionEventBody struct {
	SessionID string `json:"sessionId"`
	Event     string `json:"event"`
}

func (ClaudeMessageBody) Kind() FeedBodyKind { return FeedKindClaudeMessage }
func (TextBody) Kind() FeedBodyKind          { return FeedKindText }
func (SessionEventBody) Kind() FeedBodyKind  { return FeedKindSessionEvent }

func (ClaudeMessageBody) isFeedBody() {}
func (TextBody) isFeedBody()          {}
func (SessionEventBody) isFeedBody()  {}

// ErrUnknownFeedKind is returned when decoding a body with an unrecognized kind.
var ErrUnknownFeedKind = errors.New("unknown feed body kind")

// MarshalFeedBody encodes a body as a JSON object carrying a "kind" field
// alongside the variant's own fields.
func MarshalFeedBody(b FeedBody) ([]byte, error) {
	switch v := b.(type) {
	case ClaudeMessageBody:
		return json.Marshal(struct {
			Kind FeedBodyKind `json:"kind"`
			ClaudeMessageBody
		}{v.Kind(), v})
	case TextBody:
		return json.Marshal(struct {
			Kind FeedBodyKind `json:"kind"`
			TextBody
		}{v.Kind(), v})
	case SessionEventBody:
		return json.Marshal(struct {
			Kind FeedBodyKind `json:"kind"`
			SessionEventBody
		}{v.Kind(), v})
	case nil:
		return nil, fmt.Errorf("feed body is nil")
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFeedKind, b)
	}
}

// UnmarshalFeedBody decodes a body produced by MarshalFeedBody.
func UnmarshalFeedBody(data []byte) (FeedBody, error) {
	var head struct {
		Kind FeedBodyKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode feed body: %w", err)
	}

	switch head.Kind {
	case FeedKindClaudeMessage:
		var v ClaudeMessageBody
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s body: %w", head.Kind, err)
		}
		return v, nil
	case FeedKindText:
		var v TextBody
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s body: %w", head.Kind, err)
		}
		return v, nil
	case FeedKindSessionEvent:
		var v SessionEventBody
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s body: %w", head.Kind, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeedKind, head.Kind)
	}
}

// FeedItem is one immutable entry in a user's append-only feed.
type FeedItem struct {
	ID        string
	UserID    string
	Body      FeedBody
	RepeatKey *string
	Cursor    string
	CreatedAt time.Time
}

type feedItemJSON struct {
	ID        string          `json:"id"`
	Body      json.RawMessage `json:"body"`
	RepeatKey *string         `json:"repeatKey"`
	Cursor    string          `json:"cursor"`
	CreatedAt int64           `json:"createdAt"` // unix millis
}

// MarshalJSON renders the item with its body flattened into a tagged object.
func (f FeedItem) MarshalJSON() ([]byte, error) {
	body, err := MarshalFeedBody(f.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(feedItemJSON{
		ID:        f.ID,
		Body:      body,
		RepeatKey: f.RepeatKey,
		Cursor:    f.Cursor,
		CreatedAt: f.CreatedAt.UnixMilli(),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (f *FeedItem) UnmarshalJSON(data []byte) error {
	var raw feedItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	body, err := UnmarshalFeedBody(raw.Body)
	if err != nil {
		return err
	}
	*f = FeedItem{
		ID:        raw.ID,
		Body:      body,
		RepeatKey: raw.RepeatKey,
		Cursor:    raw.Cursor,
		CreatedAt: time.UnixMilli(raw.CreatedAt).UTC(),
	}
	return nil
}

// FeedPage is one page of a cursor-paginated feed listing.
type FeedPage struct {
	Items   []FeedItem `json:"items"`
	HasMore bool       `json:"hasMore"`
}

// ── Daemon ──────────────────────────────────────────────────

// DaemonState is persisted by a running daemon so CLI invocations can find
// its control surface. It is only trusted while the lock is held and PID is alive.
type DaemonState struct {
	PID        int       `json:"pid"`
	HTTPPort   int       `json:"httpPort"`
	StartTime  time.Time `json:"startTime"`
	Version    string    `json:"version,omitempty"`
	Executable string    `json:"executable,omitempty"` // program name, checked against the live pid
}

// DaemonStatus is the supervisor lifecycle state.
type DaemonStatus string

const (
	DaemonStopped  DaemonStatus = "stopped"
	DaemonStarting DaemonStatus = "starting"
	DaemonRunning  DaemonStatus = "running"
	DaemonStopping DaemonStatus = "stopping"
	DaemonCrashed  DaemonStatus = "crashed"
)

// AgentProcessInfo tracks the supervised agent subprocess.
type AgentProcessInfo struct {
	PID       int       `json:"pid,omitempty"`
	Command   []string  `json:"command"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Restarts  int       `json:"restarts"`
	LastExit  string    `json:"lastExit,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// DaemonReport is returned by the local control surface's status endpoint.
type DaemonReport struct {
	Status   DaemonStatus      `json:"status"`
	State    *DaemonState      `json:"state,omitempty"`
	Agent    *AgentProcessInfo `json:"agent,omitempty"`
	Sessions []AgentSession    `json:"sessions"`
	Relay    string            `json:"relay,omitempty"` // "connected" | "disconnected" | "disabled"
}

// AgentSession maps a relay-level session id to a live conversation inside
// the agent subprocess. Only the daemon mutates it.
type AgentSession struct {
	SessionID    string    `json:"sessionId"`
	Cwd          string    `json:"cwd,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// ── Device actions ──────────────────────────────────────────

// ActionKind names what a device asked the agent to do.
type ActionKind string

const (
	ActionQuickReply ActionKind = "quick-reply"
	ActionView       ActionKind = "view"
)

// Action is a device-originated request routed to a live agent session.
type Action struct {
	SessionID string          `json:"sessionId"`
	Kind      ActionKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrInvalidAction is returned by Action.Validate.
var ErrInvalidAction = errors.New("invalid action")

// Validate checks the kind and decodes the payload for it.
func (a Action) Validate() error {
	if a.SessionID == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalidAction)
	}
	switch a.Kind {
	case ActionQuickReply:
		var p QuickReplyPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil || p.Text == "" {
			return fmt.Errorf("%w: quick-reply needs payload.text", ErrInvalidAction)
		}
	case ActionView:
		var p ViewPayload
		if len(a.Payload) > 0 {
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return fmt.Errorf("%w: bad view payload", ErrInvalidAction)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	return nil
}

// QuickReplyPayload is the payload of an ActionQuickReply.
type QuickReplyPayload struct {
	Text string `json:"text"`
}

// ViewPayload is the payload of an ActionView.
type ViewPayload struct {
	ThreadID string `json:"threadId"`
}

// ActionAck confirms an action reached the agent session.
type ActionAck struct {
	Delivered   bool      `json:"delivered"`
	SessionID   string    `json:"sessionId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// ── Push ────────────────────────────────────────────────────

// PushKeys are the browser-supplied subscription encryption keys.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is a Web Push endpoint registered by a device.
type PushSubscription struct {
	ID        string    `json:"id"`
	AccountID string    `json:"-"`
	Endpoint  string    `json:"endpoint"`
	Keys      PushKeys  `json:"keys"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
