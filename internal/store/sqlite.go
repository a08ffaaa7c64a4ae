package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// SQLiteStore implements Store on a single SQLite file.
//
// Writes are serialized through mu, which makes the repeat-key check and the
// insert of AppendFeedItem atomic within the process. The UNIQUE constraint
// on (user_id, repeat_key) covers a second process sharing the file.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex
	clock *feedClock
}

// NewSQLiteStore opens (creating if needed) the database at dsn and runs
// migrations.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if filePath, onDisk := sqliteFilePathFromDSN(dsn); onDisk {
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		if err := ensurePrivateSQLiteFile(filePath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: an in-memory database is per-connection, and a file
	// database gains nothing from parallel writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, clock: newFeedClock()}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("SQLite store initialized")
	return s, nil
}

func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "", false
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", false
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" || path == ":memory:" || u.Query().Get("mode") == "memory" {
			return "", false
		}
		return path, true
	}
	return dsn, true
}

func ensurePrivateSQLiteFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat db path: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create db file: %w", err)
	}
	return f.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	public_key BLOB NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS feed_items (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	body       TEXT NOT NULL,
	repeat_key TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE (user_id, repeat_key)
);

CREATE INDEX IF NOT EXISTS idx_feed_items_position ON feed_items (user_id, created_at, id);

CREATE TABLE IF NOT EXISTS kv_entries (
	user_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	nonce      BLOB NOT NULL,
	ciphertext BLOB NOT NULL,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, key)
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	p256dh     TEXT NOT NULL,
	auth       TEXT NOT NULL,
	user_agent TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE (account_id, endpoint)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return err
	}
	var maxCreated sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM feed_items`).Scan(&maxCreated); err != nil {
		return err
	}
	if maxCreated.Valid {
		s.clock.observe(maxCreated.Int64)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ── Accounts ────────────────────────────────────────────────

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, public_key, created_at FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "account", Key: id}
	}
	return a, err
}

func (s *SQLiteStore) GetAccountByPublicKey(ctx context.Context, publicKey []byte) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, public_key, created_at FROM accounts WHERE public_key = ?`, publicKey)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "account", Key: "public key"}
	}
	return a, err
}

func (s *SQLiteStore) EnsureAccount(ctx context.Context, publicKey []byte) (*models.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, public_key, created_at) VALUES (?, ?, ?) ON CONFLICT (public_key) DO NOTHING`,
		uuid.NewString(), publicKey, toMillis(now))
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	n, _ := res.RowsAffected()

	a, err := s.GetAccountByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, false, err
	}
	return a, n > 0, nil
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a         models.Account
		createdAt int64
	)
	if err := row.Scan(&a.ID, &a.PublicKey, &createdAt); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

// ── Feed ────────────────────────────────────────────────────

func (s *SQLiteStore) AppendFeedItem(ctx context.Context, userID string, body models.FeedBody, repeatKey *string) (*models.FeedItem, bool, error) {
	encoded, err := models.MarshalFeedBody(body)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt, id := s.clock.next()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO feed_items (id, user_id, body, repeat_key, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, repeat_key) DO NOTHING`,
		id, userID, string(encoded), repeatKey, toMillis(createdAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert feed item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		// repeatKey is non-nil here: NULL keys never conflict.
		row := tx.QueryRowContext(ctx,
			`SELECT `+feedColumns+` FROM feed_items WHERE user_id = ? AND repeat_key = ?`,
			userID, *repeatKey)
		existing, err := scanFeedItem(row, userID)
		if err != nil {
			return nil, false, fmt.Errorf("load existing feed item: %w", err)
		}
		return existing, false, tx.Commit()
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit feed item: %w", err)
	}

	item := &models.FeedItem{
		ID:        id,
		UserID:    userID,
		Body:      body,
		CreatedAt: createdAt,
	}
	if repeatKey != nil {
		rk := *repeatKey
		item.RepeatKey = &rk
	}
	return item, true, nil
}

func (s *SQLiteStore) ListFeedItems(ctx context.Context, userID string, q FeedQuery) ([]models.FeedItem, bool, error) {
	query, args := feedListSQL(userID, q, questionMark)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list feed items: %w", err)
	}
	defer rows.Close()

	var items []models.FeedItem
	for rows.Next() {
		item, err := scanFeedItem(rows, userID)
		if err != nil {
			return nil, false, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	items, hasMore := pageFeedItems(items, q)
	return items, hasMore, nil
}

// ── KV ──────────────────────────────────────────────────────

func (s *SQLiteStore) GetKV(ctx context.Context, userID, key string) (*models.KVEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, nonce, ciphertext, version, updated_at FROM kv_entries WHERE user_id = ? AND key = ?`,
		userID, key)
	e, err := scanKV(row, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "kv", Key: key}
	}
	return e, err
}

func (s *SQLiteStore) ListKV(ctx context.Context, userID string) ([]models.KVEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, nonce, ciphertext, version, updated_at FROM kv_entries WHERE user_id = ? ORDER BY key`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list kv: %w", err)
	}
	defer rows.Close()

	var result []models.KVEntry
	for rows.Next() {
		e, err := scanKV(rows, userID)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) PutKV(ctx context.Context, userID, key string, blob models.EncryptedBlob, expectedVersion *int64) (*models.KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM kv_entries WHERE user_id = ? AND key = ?`, userID, key).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read kv version: %w", err)
	}
	if expectedVersion != nil && *expectedVersion != current {
		return nil, ErrVersionConflict
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_entries (user_id, key, nonce, ciphertext, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		userID, key, blob.Nonce, blob.Ciphertext, current+1, toMillis(now)); err != nil {
		return nil, fmt.Errorf("write kv: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit kv: %w", err)
	}

	return &models.KVEntry{
		UserID:        userID,
		Key:           key,
		EncryptedBlob: blob,
		Version:       current + 1,
		UpdatedAt:     fromMillis(toMillis(now)),
	}, nil
}

func (s *SQLiteStore) DeleteKV(ctx context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "kv", Key: key}
	}
	return nil
}

func scanKV(row rowScanner, userID string) (*models.KVEntry, error) {
	var (
		e         models.KVEntry
		updatedAt int64
	)
	if err := row.Scan(&e.Key, &e.Nonce, &e.Ciphertext, &e.Version, &updatedAt); err != nil {
		return nil, err
	}
	e.UserID = userID
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}

// ── Push subscriptions ──────────────────────────────────────

func (s *SQLiteStore) SavePushSubscription(ctx context.Context, sub *models.PushSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO push_subscriptions (id, account_id, endpoint, p256dh, auth, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, endpoint) DO UPDATE SET
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			user_agent = excluded.user_agent
		 RETURNING id`,
		sub.ID, sub.AccountID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, sub.UserAgent, toMillis(sub.CreatedAt)).
		Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("save push subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPushSubscriptions(ctx context.Context, accountID string) ([]models.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, endpoint, p256dh, auth, user_agent, created_at
		 FROM push_subscriptions WHERE account_id = ? ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var result []models.PushSubscription
	for rows.Next() {
		sub, err := scanPushSubscription(rows, accountID)
		if err != nil {
			return nil, err
		}
		result = append(result, *sub)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeletePushSubscription(ctx context.Context, accountID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE account_id = ? AND id = ?`, accountID, id)
	if err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "push subscription", Key: id}
	}
	return nil
}

func scanPushSubscription(row rowScanner, accountID string) (*models.PushSubscription, error) {
	var (
		sub       models.PushSubscription
		createdAt int64
	)
	if err := row.Scan(&sub.ID, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &sub.UserAgent, &createdAt); err != nil {
		return nil, err
	}
	sub.AccountID = accountID
	sub.CreatedAt = fromMillis(createdAt)
	return &sub, nil
}
