package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Zenflo-Event"
	HeaderSignature = "X-Zenflo-Signature"
)

// WebhookEvent is the JSON body POSTed for each new feed item.
type WebhookEvent struct {
	Event     string          `json:"event"`
	UserID    string          `json:"userId"`
	Item      models.FeedItem `json:"item"`
	Timestamp time.Time       `json:"timestamp"`
}

// WebhookDriver POSTs new feed items to a fixed URL, signed with
// HMAC-SHA256 when a secret is configured.
//
// Config: ZENFLO_WEBHOOK_URL, ZENFLO_WEBHOOK_SECRET.
type WebhookDriver struct {
	url        string
	secret     string
	client     *http.Client
	maxRetries uint64
}

// NewWebhookDriver creates a webhook driver. client may be nil.
func NewWebhookDriver(url, secret string, client *http.Client) *WebhookDriver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookDriver{url: url, secret: secret, client: client, maxRetries: 2}
}

func (d *WebhookDriver) Name() string { return "webhook" }

// Deliver posts the event, retrying transport errors and 5xx responses
// with exponential backoff. 4xx responses are not retried.
func (d *WebhookDriver) Deliver(ctx context.Context, userID string, item models.FeedItem) error {
	body, err := json.Marshal(WebhookEvent{
		Event:     "feed-item",
		UserID:    userID,
		Item:      item,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Zenflo-Webhook/1.0")
		req.Header.Set(HeaderEvent, "feed-item")
		if d.secret != "" {
			req.Header.Set(HeaderSignature, "sha256="+Sign(d.secret, body))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url)
		default:
			return backoff.Permanent(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, d.maxRetries), ctx)); err != nil {
		return fmt.Errorf("webhook failed after %d attempts: %w", d.maxRetries+1, err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in the
// signature header without its "sha256=" prefix.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
