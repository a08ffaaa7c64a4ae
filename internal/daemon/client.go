package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// Client talks to a running daemon's control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the daemon listening on the loopback port.
func NewClient(port int) *Client {
	return &Client{
		baseURL: "http://127.0.0.1:" + strconv.Itoa(port),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Dial finds the running daemon through its state file. It returns
// ErrNotRunning when no live daemon owns the file.
func Dial(statePath string) (*Client, *models.DaemonState, error) {
	status, st, err := ReadStatus(statePath)
	if err != nil {
		return nil, nil, err
	}
	if status != models.DaemonRunning {
		return nil, nil, ErrNotRunning
	}
	return NewClient(st.HTTPPort), st, nil
}

// Status fetches the daemon report.
func (c *Client) Status(ctx context.Context) (*models.DaemonReport, error) {
	var r models.DaemonReport
	if err := c.do(ctx, http.MethodGet, "/status", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Stop asks the daemon to stop. It returns once the request is accepted;
// the daemon finishes shutting down on its own.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop", nil, nil)
}

// Reset clears a crash loop.
func (c *Client) Reset(ctx context.Context) (*models.DaemonReport, error) {
	var r models.DaemonReport
	if err := c.do(ctx, http.MethodPost, "/reset", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Sessions lists live agent sessions.
func (c *Client) Sessions(ctx context.Context) ([]models.AgentSession, error) {
	var out []models.AgentSession
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendAction routes an action to a live session, as a device would.
func (c *Client) SendAction(ctx context.Context, a models.Action) (*models.ActionAck, error) {
	body := map[string]any{"kind": a.Kind}
	if len(a.Payload) > 0 {
		body["payload"] = a.Payload
	}
	var ack models.ActionAck
	path := "/sessions/" + url.PathEscape(a.SessionID) + "/actions"
	if err := c.do(ctx, http.MethodPost, path, body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Logs returns up to n recent log lines.
func (c *Client) Logs(ctx context.Context, n int) ([]LogEntry, error) {
	var out []LogEntry
	if err := c.do(ctx, http.MethodGet, "/logs?n="+strconv.Itoa(n), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FollowLogs streams log lines to fn, starting with the n most recent,
// until ctx ends or the daemon stops.
func (c *Client) FollowLogs(ctx context.Context, n int, fn func(LogEntry)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/logs?follow=true&n="+strconv.Itoa(n), nil)
	if err != nil {
		return err
	}
	// the stream has no overall deadline
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return fmt.Errorf("daemon control: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		fn(e)
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon control: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError maps a control API error back to the package's sentinels.
func decodeError(resp *http.Response) error {
	var e models.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&e)

	switch e.Error {
	case CodeSessionNotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, e.Message)
	case CodeInvalidAction:
		return fmt.Errorf("%w: %s", models.ErrInvalidAction, e.Message)
	case CodeNotRunning:
		return fmt.Errorf("%w: %s", ErrNotRunning, e.Message)
	}
	if e.Message == "" {
		e.Message = resp.Status
	}
	return fmt.Errorf("daemon control: %d %s: %s", resp.StatusCode, e.Error, e.Message)
}
