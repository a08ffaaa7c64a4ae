// Package store provides the storage interface and implementations for the zenflo relay.
//
// Three implementations share one contract: MemoryStore (tests, single-node
// dev, optional JSON snapshot), SQLiteStore (single node) and PostgresStore
// (production). The relay never sees plaintext: feed bodies are the only
// readable payloads, and KV values are opaque EncryptedBlobs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// Store is the primary storage interface for the relay.
// All handler code depends on this interface, making it easy to swap
// between in-memory (tests), SQLite and PostgreSQL implementations.
type Store interface {
	AccountStore
	FeedStore
	KVStore
	PushSubscriptionStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Account Store ───────────────────────────────────────────

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByPublicKey(ctx context.Context, publicKey []byte) (*models.Account, error)

	// EnsureAccount returns the account bound to publicKey, creating it if
	// none exists. Concurrent calls for the same key yield one account.
	EnsureAccount(ctx context.Context, publicKey []byte) (*models.Account, bool, error)
}

// ── Feed Store ──────────────────────────────────────────────

// FeedPosition is a point in a user's feed order. Items sort by CreatedAt
// (millisecond precision) and then by ID.
type FeedPosition struct {
	CreatedAt time.Time
	ID        string
}

// Less reports whether p sorts strictly before o.
func (p FeedPosition) Less(o FeedPosition) bool {
	a, b := p.CreatedAt.UnixMilli(), o.CreatedAt.UnixMilli()
	if a != b {
		return a < b
	}
	return p.ID < o.ID
}

// PositionOf returns the feed position of item.
func PositionOf(item *models.FeedItem) FeedPosition {
	return FeedPosition{CreatedAt: item.CreatedAt, ID: item.ID}
}

// FeedQuery selects a page of a user's feed.
//
// With After set, the page is the first Limit items strictly after it
// (bounded by Before when that is also set). With only Before set, the page
// is the Limit items immediately preceding it. Items are always returned in
// ascending order. The returned hasMore reports whether further items exist
// past the page in the direction of travel.
type FeedQuery struct {
	After  *FeedPosition
	Before *FeedPosition
	Limit  int
}

// Backward reports whether the page is anchored at Before.
func (q FeedQuery) Backward() bool {
	return q.Before != nil && q.After == nil
}

type FeedStore interface {
	// AppendFeedItem atomically inserts a new item, or, when repeatKey is
	// non-nil and an item with that key already exists for the user,
	// returns the existing item unchanged with created=false.
	AppendFeedItem(ctx context.Context, userID string, body models.FeedBody, repeatKey *string) (*models.FeedItem, bool, error)

	ListFeedItems(ctx context.Context, userID string, q FeedQuery) ([]models.FeedItem, bool, error)
}

// ── KV Store ────────────────────────────────────────────────

type KVStore interface {
	GetKV(ctx context.Context, userID, key string) (*models.KVEntry, error)
	ListKV(ctx context.Context, userID string) ([]models.KVEntry, error)

	// PutKV writes blob under key. expectedVersion nil writes
	// unconditionally; 0 requires the key to be absent; n requires the
	// stored version to be n. A mismatch returns ErrVersionConflict.
	PutKV(ctx context.Context, userID, key string, blob models.EncryptedBlob, expectedVersion *int64) (*models.KVEntry, error)

	DeleteKV(ctx context.Context, userID, key string) error
}

// ── Push Subscription Store ─────────────────────────────────

type PushSubscriptionStore interface {
	// SavePushSubscription upserts by (account, endpoint).
	SavePushSubscription(ctx context.Context, sub *models.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, accountID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, accountID, id string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ErrVersionConflict is returned by PutKV when expectedVersion does not match.
var ErrVersionConflict = errors.New("store: version conflict")

// ── Helpers ─────────────────────────────────────────────────

// clampLimit bounds a page size. Callers validate user input; this only
// protects the stores from a zero or negative limit.
func clampLimit(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
