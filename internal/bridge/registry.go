// Package bridge connects device actions on the relay to the daemon that
// runs beside the user's agent.
//
// Each daemon holds one authenticated WebSocket to the relay
// (GET /v1/daemon/connect). Device actions are forwarded over it as RPC
// frames and the HTTP request waits for the daemon's acknowledgement, so a
// device is never told an action was delivered when it was not.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

const (
	// DefaultTimeout bounds how long RouteAction waits for an ack.
	DefaultTimeout = 10 * time.Second

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	maxFrameSize = 64 * 1024
)

// Registry tracks one daemon connection per account. It implements
// contracts.SessionRouter.
type Registry struct {
	upgrader websocket.Upgrader
	timeout  time.Duration

	mu    sync.RWMutex
	conns map[string]*daemonConn // key: account id
}

// NewRegistry creates an empty registry. A zero timeout means DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Daemons are not browsers; the bearer token is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		timeout: timeout,
		conns:   make(map[string]*daemonConn),
	}
}

// ServeDaemon upgrades the request and serves the daemon connection for
// accountID until it closes. A newer connection for the same account
// replaces the older one.
func (r *Registry) ServeDaemon(w http.ResponseWriter, req *http.Request, accountID string) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Str("account", accountID).Msg("Daemon WebSocket upgrade failed")
		return
	}

	c := newDaemonConn(ws, accountID)

	r.mu.Lock()
	old := r.conns[accountID]
	r.conns[accountID] = c
	r.mu.Unlock()
	if old != nil {
		old.close()
		log.Info().Str("account", accountID).Msg("Daemon reconnected, replaced previous connection")
	}
	metricDaemons.Inc()
	log.Info().Str("account", accountID).Str("remote", req.RemoteAddr).Msg("🔌 Daemon connected")

	go c.pingLoop()
	c.readLoop()

	r.mu.Lock()
	if r.conns[accountID] == c {
		delete(r.conns, accountID)
	}
	r.mu.Unlock()
	c.close()
	metricDaemons.Dec()
	log.Info().Str("account", accountID).Msg("Daemon disconnected")
}

// Connected reports whether the account has a live daemon.
func (r *Registry) Connected(accountID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[accountID]
	return ok
}

// Count returns the number of connected daemons.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RouteAction forwards action to the account's daemon and waits for its
// acknowledgement.
func (r *Registry) RouteAction(ctx context.Context, userID string, action models.Action) (*models.ActionAck, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	c := r.conns[userID]
	r.mu.RUnlock()
	if c == nil {
		metricActions.WithLabelValues("offline").Inc()
		return nil, ErrDaemonOffline
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ack, err := c.call(ctx, action)
	metricActions.WithLabelValues(actionOutcome(err)).Inc()
	return ack, err
}

// Shutdown closes every daemon connection.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*daemonConn)
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func actionOutcome(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, ErrDaemonOffline):
		return "offline"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	default:
		return "failed"
	}
}

// ── Connection ──────────────────────────────────────────────

type daemonConn struct {
	ws        *websocket.Conn
	accountID string
	writeMu   sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	done    chan struct{}
	closed  bool
}

func newDaemonConn(ws *websocket.Conn, accountID string) *daemonConn {
	return &daemonConn{
		ws:        ws,
		accountID: accountID,
		pending:   make(map[string]chan Frame),
		done:      make(chan struct{}),
	}
}

func (c *daemonConn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *daemonConn) call(ctx context.Context, action models.Action) (*models.ActionAck, error) {
	id := uuid.NewString()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrDaemonOffline
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Frame{Type: FrameAction, ID: id, Action: &action}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonOffline, err)
	}

	select {
	case f := <-ch:
		return frameResult(f, action.SessionID)
	case <-c.done:
		return nil, ErrDaemonOffline
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func frameResult(f Frame, sessionID string) (*models.ActionAck, error) {
	if f.Type == FrameAck {
		ack := f.Ack
		if ack == nil {
			ack = &models.ActionAck{Delivered: true, SessionID: sessionID, DeliveredAt: time.Now().UTC()}
		}
		return ack, nil
	}
	switch f.Code {
	case CodeSessionNotFound:
		return nil, ErrSessionNotFound
	case CodeInvalidAction:
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidAction, f.Message)
	default:
		return nil, fmt.Errorf("%w: %s", ErrActionFailed, f.Message)
	}
}

func (c *daemonConn) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("account", c.accountID).Msg("Daemon WebSocket read error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if f.Type != FrameAck && f.Type != FrameError {
			log.Debug().Str("type", f.Type).Msg("Ignoring unexpected frame from daemon")
			continue
		}

		c.mu.Lock()
		ch := c.pending[f.ID]
		c.mu.Unlock()
		if ch == nil {
			// late answer to a call that already timed out
			continue
		}
		select {
		case ch <- f:
		default:
		}
	}
}

func (c *daemonConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *daemonConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
}
