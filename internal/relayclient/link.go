package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/internal/bridge"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// ActionHandler executes a device action locally and returns its ack.
type ActionHandler func(ctx context.Context, action models.Action) (*models.ActionAck, error)

const (
	linkWriteWait = 10 * time.Second
	linkPongWait  = 75 * time.Second
	linkMaxDelay  = time.Minute
)

// DaemonLink keeps the daemon connected to the relay bridge, reconnecting
// with exponential backoff, and answers the action frames it receives.
type DaemonLink struct {
	client    *Client
	handler   ActionHandler
	dialer    *websocket.Dialer
	connected atomic.Bool
}

// NewDaemonLink creates a link. The client should be built WithKeyPair so
// the link can log in again when its token expires.
func NewDaemonLink(c *Client, h ActionHandler) *DaemonLink {
	return &DaemonLink{
		client:  c,
		handler: h,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Connected reports whether the link is currently up.
func (l *DaemonLink) Connected() bool { return l.connected.Load() }

// Run connects and serves until ctx ends. It only returns ctx.Err().
func (l *DaemonLink) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = linkMaxDelay
	bo.MaxElapsedTime = 0

	for {
		start := time.Now()
		err := l.serveOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a connection that stayed up a while starts the backoff over
		if time.Since(start) > linkMaxDelay {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("Relay link down")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *DaemonLink) wsURL() string {
	u := *l.client.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/daemon/connect"
	return u.String()
}

func (l *DaemonLink) dial(ctx context.Context) (*websocket.Conn, error) {
	if l.client.Token() == "" {
		if _, err := l.client.Login(ctx, nil); err != nil {
			return nil, err
		}
	}
	header := http.Header{"Authorization": {"Bearer " + l.client.Token()}}
	ws, resp, err := l.dialer.DialContext(ctx, l.wsURL(), header)
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		if _, lerr := l.client.Login(ctx, nil); lerr != nil {
			return nil, lerr
		}
		header.Set("Authorization", "Bearer "+l.client.Token())
		ws, _, err = l.dialer.DialContext(ctx, l.wsURL(), header)
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return ws, nil
}

func (l *DaemonLink) serveOnce(ctx context.Context) error {
	ws, err := l.dial(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	l.connected.Store(true)
	defer l.connected.Store(false)
	log.Info().Str("relay", l.client.baseURL.Host).Msg("🔌 Connected to relay")

	var writeMu sync.Mutex
	write := func(f bridge.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(linkWriteWait))
		return ws.WriteJSON(f)
	}

	ws.SetReadDeadline(time.Now().Add(linkPongWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(linkPongWait))
		writeMu.Lock()
		defer writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(linkWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// unblock ReadJSON when ctx ends
	stop := context.AfterFunc(ctx, func() {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon stopping"), time.Now().Add(time.Second))
		ws.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var f bridge.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(linkPongWait))
		if f.Type != bridge.FrameAction || f.Action == nil {
			continue
		}

		wg.Add(1)
		go func(f bridge.Frame) {
			defer wg.Done()
			ack, err := l.handler(ctx, *f.Action)
			resp := bridge.Frame{Type: bridge.FrameAck, ID: f.ID, Ack: ack}
			if err != nil {
				resp = bridge.ErrorFrame(f.ID, err)
			}
			if werr := write(resp); werr != nil {
				log.Debug().Err(werr).Msg("Failed to answer relay action")
			}
		}(f)
	}
}
