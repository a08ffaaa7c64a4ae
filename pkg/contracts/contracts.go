// Package contracts defines the service interfaces for the zenflo relay.
//
// Handlers depend on these interfaces rather than on concrete services, so
// the wiring code in pkg/server can swap the push notifier or the session
// router (for example, a fake in tests) with a single line change.
package contracts

import (
	"context"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// ── Feed notification ───────────────────────────────────────

// FeedNotifier is told about every newly created feed item, after the item
// is durably committed. It is never called for an idempotent replay.
//
// Implementations: internal/feed.Hub (live WebSocket subscribers),
// internal/notify.Service (queued delivery to NotificationDrivers).
type FeedNotifier interface {
	// Name identifies the notifier in logs.
	Name() string

	// NotifyFeedItem delivers item to the account's devices. Errors are
	// logged by the caller and never undo the append.
	NotifyFeedItem(ctx context.Context, userID string, item models.FeedItem) error
}

// NotificationDriver sends one feed item to one external channel. Drivers
// run on the notify service's workers, never on the request path.
//
// Implementations: internal/push.Service (Web Push),
// internal/notify.WebhookDriver (signed HTTP POST).
type NotificationDriver interface {
	Name() string
	Deliver(ctx context.Context, userID string, item models.FeedItem) error
}

// ── Session routing ─────────────────────────────────────────

// SessionRouter delivers a device action to the account's live agent
// session and waits for the daemon's acknowledgement.
//
// Implementation: internal/bridge.Registry.
type SessionRouter interface {
	RouteAction(ctx context.Context, userID string, action models.Action) (*models.ActionAck, error)
}
