package models

import (
	"encoding/json"
	"time"
)

// Request and response bodies of the relay HTTP API, shared by the
// handlers and the Go client.

// AuthResponse is returned by POST /v1/auth.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	AccountID string    `json:"accountId"`
}

// FeedAppendRequest is the body of POST /v1/feed.
type FeedAppendRequest struct {
	Body      json.RawMessage `json:"body"`
	RepeatKey *string         `json:"repeatKey,omitempty"`
}

// FeedAppendResponse is returned by POST /v1/feed.
type FeedAppendResponse struct {
	Item    FeedItem `json:"item"`
	Created bool     `json:"created"`
}

// ClaudeMessageRequest is the body of POST /v1/inbox/claude-message.
type ClaudeMessageRequest struct {
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	SessionID string  `json:"sessionId,omitempty"`
	Priority  string  `json:"priority,omitempty"`
	RepeatKey *string `json:"repeatKey,omitempty"`
}

// ClaudeMessageResponse is returned by POST /v1/inbox/claude-message.
type ClaudeMessageResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// KVPutRequest is the body of PUT /v1/kv/{key}. ExpectedVersion 0 means
// the key must not exist yet; omitted means unconditional.
type KVPutRequest struct {
	EncryptedBlob
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// KVPutResponse is returned by PUT /v1/kv/{key}.
type KVPutResponse struct {
	Key     string `json:"key"`
	Version int64  `json:"version"`
}

// KVListResponse is returned by GET /v1/kv.
type KVListResponse struct {
	Keys []KVKeyInfo `json:"keys"`
}

// KVKeyInfo describes a stored key without its value.
type KVKeyInfo struct {
	Key       string    `json:"key"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UpdateFrame is one message on the GET /v1/updates stream.
type UpdateFrame struct {
	Type string    `json:"type"` // "feed-item"
	Item *FeedItem `json:"item,omitempty"`
}

// VAPIDKeyResponse is returned by GET /v1/push/vapid-key.
type VAPIDKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

// RegisterAccountRequest is the body of the operator-only
// POST /v1/admin/accounts. PublicKey is standard base64.
type RegisterAccountRequest struct {
	PublicKey string `json:"publicKey"`
}

// ErrorResponse is the JSON shape of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
