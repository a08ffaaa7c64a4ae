// In-memory Store implementation.
// Used for local dev and tests.
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Accounts map[string]*models.Account          `json:"accounts"`    // key: id
	Feeds    map[string][]*models.FeedItem       `json:"feeds"`       // key: user id → ascending
	KV       map[string]*models.KVEntry          `json:"kv"`          // key: user:key
	KVOwners map[string]string                   `json:"kv_owners"`   // key: user:key → user id
	Push     map[string]*models.PushSubscription `json:"push"`        // key: id
	PushOwn  map[string]string                   `json:"push_owners"` // key: id → account id
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*models.Account          // key: id
	byKey    map[string]string                   // key: string(public key) → account id
	feeds    map[string][]*models.FeedItem       // key: user id, ascending feed order
	repeats  map[string]*models.FeedItem         // key: user \x00 repeat key
	kv       map[string]*models.KVEntry          // key: user:key
	push     map[string]*models.PushSubscription // key: id

	clock *feedClock

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If dataDir is non-empty, data is persisted to dataDir/relay.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		accounts: make(map[string]*models.Account),
		byKey:    make(map[string]string),
		feeds:    make(map[string][]*models.FeedItem),
		repeats:  make(map[string]*models.FeedItem),
		kv:       make(map[string]*models.KVEntry),
		push:     make(map[string]*models.PushSubscription),
		clock:    newFeedClock(),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "relay.json")
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Accounts: m.accounts,
		Feeds:    m.feeds,
		KV:       m.kv,
		KVOwners: make(map[string]string, len(m.kv)),
		Push:     m.push,
		PushOwn:  make(map[string]string, len(m.push)),
	}
	for k, e := range m.kv {
		snap.KVOwners[k] = e.UserID
	}
	for id, s := range m.push {
		snap.PushOwn[id] = s.AccountID
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range snap.Accounts {
		m.accounts[id] = a
		m.byKey[string(a.PublicKey)] = id
	}

	var items int
	for userID, feed := range snap.Feeds {
		for _, item := range feed {
			item.UserID = userID
			if item.RepeatKey != nil {
				m.repeats[repeatIndex(userID, *item.RepeatKey)] = item
			}
			m.clock.observe(item.CreatedAt.UnixMilli())
		}
		sort.Slice(feed, func(i, j int) bool {
			return PositionOf(feed[i]).Less(PositionOf(feed[j]))
		})
		m.feeds[userID] = feed
		items += len(feed)
	}

	for k, e := range snap.KV {
		e.UserID = snap.KVOwners[k]
		m.kv[k] = e
	}
	for id, s := range snap.Push {
		s.AccountID = snap.PushOwn[id]
		m.push[id] = s
	}

	log.Info().
		Int("accounts", len(m.accounts)).
		Int("feed_items", items).
		Int("kv_entries", len(m.kv)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func repeatIndex(userID, repeatKey string) string {
	return userID + "\x00" + repeatKey
}

// ══════════════════════════════════════════════════════════════
// ── Accounts ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "account", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAccountByPublicKey(_ context.Context, publicKey []byte) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[string(publicKey)]
	if !ok {
		return nil, &ErrNotFound{Entity: "account", Key: "public key"}
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *MemoryStore) EnsureAccount(_ context.Context, publicKey []byte) (*models.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[string(publicKey)]; ok {
		cp := *m.accounts[id]
		return &cp, false, nil
	}

	a := &models.Account{
		ID:        uuid.NewString(),
		PublicKey: bytes.Clone(publicKey),
		CreatedAt: time.Now().UTC(),
	}
	m.accounts[a.ID] = a
	m.byKey[string(publicKey)] = a.ID
	m.requestSave()

	cp := *a
	return &cp, true, nil
}

// ══════════════════════════════════════════════════════════════
// ── Feed ─────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// AppendFeedItem holds the write lock across the repeat-key check and the
// insert, so the pair is atomic.
func (m *MemoryStore) AppendFeedItem(_ context.Context, userID string, body models.FeedBody, repeatKey *string) (*models.FeedItem, bool, error) {
	if _, err := models.MarshalFeedBody(body); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if repeatKey != nil {
		if existing, ok := m.repeats[repeatIndex(userID, *repeatKey)]; ok {
			cp := *existing
			return &cp, false, nil
		}
	}

	createdAt, id := m.clock.next()
	item := &models.FeedItem{
		ID:        id,
		UserID:    userID,
		Body:      body,
		CreatedAt: createdAt,
	}
	if repeatKey != nil {
		rk := *repeatKey
		item.RepeatKey = &rk
		m.repeats[repeatIndex(userID, rk)] = item
	}

	// The clock is monotonic, so appending keeps the slice sorted.
	m.feeds[userID] = append(m.feeds[userID], item)
	m.requestSave()

	cp := *item
	return &cp, true, nil
}

func (m *MemoryStore) ListFeedItems(_ context.Context, userID string, q FeedQuery) ([]models.FeedItem, bool, error) {
	limit := clampLimit(q.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	feed := m.feeds[userID]

	// [lo, hi) is the window strictly between After and Before.
	lo, hi := 0, len(feed)
	if q.After != nil {
		after := *q.After
		lo = sort.Search(len(feed), func(i int) bool {
			return after.Less(PositionOf(feed[i]))
		})
	}
	if q.Before != nil {
		before := *q.Before
		hi = sort.Search(len(feed), func(i int) bool {
			return !PositionOf(feed[i]).Less(before)
		})
	}
	if lo >= hi {
		return []models.FeedItem{}, false, nil
	}

	var (
		window  []*models.FeedItem
		hasMore bool
	)
	if q.Backward() {
		start := hi - limit
		if start < lo {
			start = lo
		}
		window = feed[start:hi]
		hasMore = start > lo
	} else {
		end := lo + limit
		if end > hi {
			end = hi
		}
		window = feed[lo:end]
		hasMore = end < hi
	}

	out := make([]models.FeedItem, len(window))
	for i, item := range window {
		out[i] = *item
	}
	return out, hasMore, nil
}

// ══════════════════════════════════════════════════════════════
// ── KV ───────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (m *MemoryStore) GetKV(_ context.Context, userID, k string) (*models.KVEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.kv[key(userID, k)]
	if !ok {
		return nil, &ErrNotFound{Entity: "kv", Key: k}
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListKV(_ context.Context, userID string) ([]models.KVEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.KVEntry
	for _, e := range m.kv {
		if e.UserID == userID {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (m *MemoryStore) PutKV(_ context.Context, userID, k string, blob models.EncryptedBlob, expectedVersion *int64) (*models.KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if e, ok := m.kv[key(userID, k)]; ok {
		current = e.Version
	}
	if expectedVersion != nil && *expectedVersion != current {
		return nil, ErrVersionConflict
	}

	e := &models.KVEntry{
		UserID: userID,
		Key:    k,
		EncryptedBlob: models.EncryptedBlob{
			Nonce:      bytes.Clone(blob.Nonce),
			Ciphertext: bytes.Clone(blob.Ciphertext),
		},
		Version:   current + 1,
		UpdatedAt: time.Now().UTC(),
	}
	m.kv[key(userID, k)] = e
	m.requestSave()

	cp := *e
	return &cp, nil
}

func (m *MemoryStore) DeleteKV(_ context.Context, userID, k string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kv[key(userID, k)]; !ok {
		return &ErrNotFound{Entity: "kv", Key: k}
	}
	delete(m.kv, key(userID, k))
	m.requestSave()
	return nil
}

// ══════════════════════════════════════════════════════════════
// ── Push subscriptions ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (m *MemoryStore) SavePushSubscription(_ context.Context, sub *models.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.push {
		if existing.AccountID == sub.AccountID && existing.Endpoint == sub.Endpoint {
			delete(m.push, id)
			if sub.ID == "" {
				sub.ID = id
			}
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	cp := *sub
	m.push[sub.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListPushSubscriptions(_ context.Context, accountID string) ([]models.PushSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.PushSubscription
	for _, s := range m.push {
		if s.AccountID == accountID {
			result = append(result, *s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) DeletePushSubscription(_ context.Context, accountID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.push[id]
	if !ok || s.AccountID != accountID {
		return &ErrNotFound{Entity: "push subscription", Key: id}
	}
	delete(m.push, id)
	m.requestSave()
	return nil
}
