package feed

import (
	"context"
	"sync"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// subscriberBuffer is how many undelivered items a live subscriber may lag
// behind before further items are dropped for it.
const subscriberBuffer = 64

// Hub fans newly created feed items out to live subscribers (the
// /v1/updates WebSocket). It implements contracts.FeedNotifier.
//
// Delivery is best effort: a subscriber that falls behind misses items and
// is expected to catch up by paging the feed from its last cursor.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan models.FeedItem]struct{} // key: user id
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan models.FeedItem]struct{}),
	}
}

func (h *Hub) Name() string { return "hub" }

// NotifyFeedItem broadcasts item to the user's subscribers without blocking.
func (h *Hub) NotifyFeedItem(_ context.Context, userID string, item models.FeedItem) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[userID] {
		select {
		case ch <- item:
		default:
			// slow subscriber, drop
			metricHubDropped.Inc()
		}
	}
	return nil
}

// Subscribe returns a channel that receives the user's new items as they
// are committed. Call Unsubscribe when done to avoid leaks.
func (h *Hub) Subscribe(userID string) chan models.FeedItem {
	ch := make(chan models.FeedItem, subscriberBuffer)
	h.mu.Lock()
	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[chan models.FeedItem]struct{})
	}
	h.subscribers[userID][ch] = struct{}{}
	h.mu.Unlock()
	metricHubSubscribers.Inc()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (h *Hub) Unsubscribe(userID string, ch chan models.FeedItem) {
	h.mu.Lock()
	subs := h.subscribers[userID]
	if _, ok := subs[ch]; !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(h.subscribers, userID)
	}
	h.mu.Unlock()
	metricHubSubscribers.Dec()
	close(ch)
}

// SubscriberCount returns the number of live subscribers for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}
