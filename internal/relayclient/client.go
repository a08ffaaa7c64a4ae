// Package relayclient is the Go client for the zenflo relay API, used by
// the CLI and by the daemon.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quinnbmay/zenflo-sub001/internal/auth"
	"github.com/quinnbmay/zenflo-sub001/internal/keys"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

var (
	ErrNotFound        = errors.New("relay: not found")
	ErrVersionConflict = errors.New("relay: version conflict")
	ErrUnauthorized    = errors.New("relay: unauthorized")
)

// APIError is a non-2xx relay response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("relay: %d %s", e.Status, e.Code)
}

// Unwrap maps well-known statuses to sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrVersionConflict
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithToken sets a previously obtained bearer token.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithKeyPair lets the client log in, and log in again when its token
// expires, on its own.
func WithKeyPair(kp *keys.KeyPair) Option { return func(c *Client) { c.kp = kp } }

// Client talks to one relay. Safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	kp      *keys.KeyPair

	mu    sync.RWMutex
	token string
}

// New creates a client for the relay at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("relay: invalid URL %q", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Token returns the current bearer token, if any.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(t string) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

// Login signs a fresh challenge with kp and stores the returned token.
// kp may be nil when the client was built WithKeyPair.
func (c *Client) Login(ctx context.Context, kp *keys.KeyPair) (*models.AuthResponse, error) {
	if kp == nil {
		kp = c.kp
	}
	if kp == nil {
		return nil, fmt.Errorf("relay: login needs a key pair")
	}
	proof, err := auth.NewProof(kp)
	if err != nil {
		return nil, err
	}

	var resp models.AuthResponse
	if err := c.doOnce(ctx, http.MethodPost, "/v1/auth", nil, proof, &resp, false); err != nil {
		return nil, err
	}
	c.setToken(resp.Token)
	return &resp, nil
}

// do performs an authenticated call. With a key pair configured it logs in
// when there is no token and retries once after a 401.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.Token() == "" && c.kp != nil {
		if _, err := c.Login(ctx, nil); err != nil {
			return err
		}
	}
	err := c.doOnce(ctx, method, path, query, in, out, true)
	if errors.Is(err, ErrUnauthorized) && c.kp != nil {
		if _, lerr := c.Login(ctx, nil); lerr != nil {
			return lerr
		}
		err = c.doOnce(ctx, method, path, query, in, out, true)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, in, out any, authed bool) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("relay: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.Token(); authed && tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e models.ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&e) == nil {
			apiErr.Code, apiErr.Message = e.Error, e.Message
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("relay: decode response: %w", err)
	}
	return nil
}

// ── Feed ────────────────────────────────────────────────────

// FeedOptions selects a feed page.
type FeedOptions struct {
	Before string
	After  string
	Limit  int
}

// Feed lists one page of the account's feed.
func (c *Client) Feed(ctx context.Context, opts FeedOptions) (*models.FeedPage, error) {
	q := url.Values{}
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}
	if opts.After != "" {
		q.Set("after", opts.After)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var page models.FeedPage
	if err := c.do(ctx, http.MethodGet, "/v1/feed", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AppendFeed writes a device-originated item.
func (c *Client) AppendFeed(ctx context.Context, body models.FeedBody, repeatKey *string) (*models.FeedItem, bool, error) {
	raw, err := models.MarshalFeedBody(body)
	if err != nil {
		return nil, false, err
	}
	var resp models.FeedAppendResponse
	if err := c.do(ctx, http.MethodPost, "/v1/feed", nil, models.FeedAppendRequest{Body: raw, RepeatKey: repeatKey}, &resp); err != nil {
		return nil, false, err
	}
	return &resp.Item, resp.Created, nil
}

// PostClaudeMessage delivers an agent message to the account's inbox.
func (c *Client) PostClaudeMessage(ctx context.Context, msg models.ClaudeMessageRequest) (*models.ClaudeMessageResponse, error) {
	var resp models.ClaudeMessageResponse
	if err := c.do(ctx, http.MethodPost, "/v1/inbox/claude-message", nil, msg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ── KV ──────────────────────────────────────────────────────

func kvPath(key string) string { return "/v1/kv/" + url.PathEscape(key) }

// GetKV fetches one entry. Missing keys return ErrNotFound.
func (c *Client) GetKV(ctx context.Context, key string) (*models.KVEntry, error) {
	var e models.KVEntry
	if err := c.do(ctx, http.MethodGet, kvPath(key), nil, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// PutKV stores blob under key. See models.KVPutRequest for expectedVersion.
func (c *Client) PutKV(ctx context.Context, key string, blob models.EncryptedBlob, expectedVersion *int64) (int64, error) {
	var resp models.KVPutResponse
	req := models.KVPutRequest{EncryptedBlob: blob, ExpectedVersion: expectedVersion}
	if err := c.do(ctx, http.MethodPut, kvPath(key), nil, req, &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// DeleteKV removes key.
func (c *Client) DeleteKV(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, kvPath(key), nil, nil, nil)
}

// ListKV lists the account's keys.
func (c *Client) ListKV(ctx context.Context) ([]models.KVKeyInfo, error) {
	var resp models.KVListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/kv", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// ── Actions ─────────────────────────────────────────────────

// SendAction routes a device action to the account's agent session.
func (c *Client) SendAction(ctx context.Context, action models.Action) (*models.ActionAck, error) {
	body := struct {
		Kind    models.ActionKind `json:"kind"`
		Payload json.RawMessage   `json:"payload,omitempty"`
	}{action.Kind, action.Payload}

	var ack models.ActionAck
	path := "/v1/sessions/" + url.PathEscape(action.SessionID) + "/actions"
	if err := c.do(ctx, http.MethodPost, path, nil, body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.doOnce(ctx, http.MethodGet, "/health", nil, nil, nil, false)
}
