// Package push delivers new feed items to devices through Web Push.
//
// Devices register a browser PushSubscription with the relay. When an item
// is appended to an account's feed, every subscription of that account
// receives a short notification; the full item is fetched through the feed
// API. Subscriptions the push service reports as gone (404/410) are removed.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/internal/store"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

const (
	// defaultTTL is how long the push service holds an undelivered message.
	defaultTTL = 3600

	// maxBodyRunes keeps the encrypted payload under the 4 KiB record limit.
	maxBodyRunes = 1000
)

// ErrInvalidSubscription is returned by Subscribe for a subscription that
// could never be delivered to.
var ErrInvalidSubscription = errors.New("push: invalid subscription")

// Notification is the JSON payload the service worker receives.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Config configures the push service.
type Config struct {
	Store        store.PushSubscriptionStore
	VAPIDPublic  string // base64url
	VAPIDPrivate string // base64url
	Subject      string // mailto: or https: URL
	TTL          int
	HTTPClient   webpush.HTTPClient
}

// Service manages subscriptions and sends notifications.
type Service struct {
	store        store.PushSubscriptionStore
	vapidPublic  string
	vapidPrivate string
	subject      string
	ttl          int
	client       webpush.HTTPClient
}

// NewService creates a push service. Missing VAPID keys are generated, in
// which case subscriptions do not survive a restart of the relay.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("push: store required")
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("push: subject required (set ZENFLO_PUSH_SUBJECT, e.g. mailto:ops@example.com)")
	}

	pub, priv := cfg.VAPIDPublic, cfg.VAPIDPrivate
	if pub == "" || priv == "" {
		var err error
		pub, priv, err = GenerateVAPIDKeys()
		if err != nil {
			return nil, fmt.Errorf("push: generate VAPID keys: %w", err)
		}
		log.Warn().Msg("No VAPID keys configured, generated ephemeral keys; set ZENFLO_VAPID_PUBLIC_KEY and ZENFLO_VAPID_PRIVATE_KEY")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	return &Service{
		store:        cfg.Store,
		vapidPublic:  pub,
		vapidPrivate: priv,
		subject:      cfg.Subject,
		ttl:          ttl,
		client:       client,
	}, nil
}

// GenerateVAPIDKeys returns a new base64url VAPID key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}

// VAPIDPublicKey returns the application server key clients subscribe with.
func (s *Service) VAPIDPublicKey() string { return s.vapidPublic }

// Subscribe registers sub for accountID. Re-registering the same endpoint
// updates its keys.
func (s *Service) Subscribe(ctx context.Context, accountID string, sub *models.PushSubscription) (*models.PushSubscription, error) {
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: endpoint must be an https URL", ErrInvalidSubscription)
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, fmt.Errorf("%w: keys.p256dh and keys.auth are required", ErrInvalidSubscription)
	}

	sub.AccountID = accountID
	if err := s.store.SavePushSubscription(ctx, sub); err != nil {
		return nil, err
	}
	metricSubscriptions.WithLabelValues("subscribed").Inc()
	return sub, nil
}

// Unsubscribe removes one of the account's subscriptions.
func (s *Service) Unsubscribe(ctx context.Context, accountID, id string) error {
	if err := s.store.DeletePushSubscription(ctx, accountID, id); err != nil {
		return err
	}
	metricSubscriptions.WithLabelValues("unsubscribed").Inc()
	return nil
}

// Name implements contracts.NotificationDriver.
func (s *Service) Name() string { return "webpush" }

// Deliver sends a notification for item to every subscription of userID.
// It returns the last error seen; one failing device does not stop the rest.
func (s *Service) Deliver(ctx context.Context, userID string, item models.FeedItem) error {
	subs, err := s.store.ListPushSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("push: list subscriptions: %w", err)
	}

	n := NotificationFor(item)
	var lastErr error
	for i := range subs {
		if err := s.SendToSubscription(ctx, &subs[i], n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SendToSubscription sends one notification.
func (s *Service) SendToSubscription(ctx context.Context, sub *models.PushSubscription, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("push: marshal notification: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.vapidPublic,
		VAPIDPrivateKey: s.vapidPrivate,
		TTL:             s.ttl,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		metricSends.WithLabelValues("error").Inc()
		return fmt.Errorf("push: send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		metricSends.WithLabelValues("expired").Inc()
		if err := s.store.DeletePushSubscription(ctx, sub.AccountID, sub.ID); err != nil && !store.IsNotFound(err) {
			log.Warn().Err(err).Str("subscription", sub.ID).Msg("Failed to remove expired push subscription")
		}
		log.Info().Str("subscription", sub.ID).Int("status", resp.StatusCode).Msg("Push subscription expired, removed")
		return nil
	case resp.StatusCode >= 400:
		metricSends.WithLabelValues("rejected").Inc()
		return fmt.Errorf("push: service returned status %d", resp.StatusCode)
	}

	metricSends.WithLabelValues("ok").Inc()
	return nil
}

// NotificationFor renders the notification shown for a feed item.
func NotificationFor(item models.FeedItem) *Notification {
	n := &Notification{
		Tag: item.ID,
		Data: map[string]string{
			"itemId": item.ID,
			"cursor": item.Cursor,
		},
	}
	if item.Body != nil {
		n.Data["kind"] = string(item.Body.Kind())
	}

	switch b := item.Body.(type) {
	case models.ClaudeMessageBody:
		n.Title = b.Title
		n.Body = b.Message
		if b.SessionID != "" {
			n.Data["sessionId"] = b.SessionID
		}
	case models.TextBody:
		n.Title = "zenflo"
		n.Body = b.Text
	case models.SessionEventBody:
		n.Title = "Session " + b.Event
		n.Body = b.SessionID
		n.Data["sessionId"] = b.SessionID
	default:
		n.Title = "zenflo"
	}
	n.Body = truncate(n.Body, maxBodyRunes)
	return n
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
