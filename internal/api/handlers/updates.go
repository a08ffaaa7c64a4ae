package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

const (
	updatesWriteWait  = 10 * time.Second
	updatesPongWait   = 60 * time.Second
	updatesPingPeriod = 54 * time.Second
)

// FrameFeedItem is the type of UpdateFrame carrying a new feed item.
const FrameFeedItem = "feed-item"

var updatesUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers pass the token as ?token=; the token, not the origin, is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Updates streams the caller's new feed items as they are committed.
// Clients catch up on anything missed with GET /v1/feed?after=.
// GET /v1/updates
func (h *Handlers) Updates(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok {
		return
	}

	ws, err := updatesUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("user", userID).Msg("Updates WebSocket upgrade failed")
		return
	}
	defer ws.Close()

	items := h.Hub.Subscribe(userID)
	defer h.Hub.Unsubscribe(userID, items)

	// the read side only handles pongs and notices the client leaving
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadLimit(4096)
		ws.SetReadDeadline(time.Now().Add(updatesPongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(updatesPongWait))
			return nil
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(updatesPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case item, open := <-items:
			if !open {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(updatesWriteWait))
			if err := ws.WriteJSON(models.UpdateFrame{Type: FrameFeedItem, Item: &item}); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(updatesWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
