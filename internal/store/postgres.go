package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// PostgresStore implements Store on PostgreSQL via pgxpool.
// Relay replicas can share one database: every atomicity guarantee comes
// from constraints, transactions and advisory locks, not from in-process
// locks. Feed appends for one account are serialized by a transaction-scoped
// advisory lock, so feed positions increase in commit order.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock *feedClock
}

// NewPostgresStore connects to connURL and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool, clock: newFeedClock()}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Str("host", cfg.ConnConfig.Host).Str("database", cfg.ConnConfig.Database).Msg("PostgreSQL store initialized")
	return s, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	public_key BYTEA NOT NULL UNIQUE,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS feed_items (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	body       TEXT NOT NULL,
	repeat_key TEXT,
	created_at BIGINT NOT NULL,
	UNIQUE (user_id, repeat_key)
);

CREATE INDEX IF NOT EXISTS idx_feed_items_position ON feed_items (user_id, created_at, id);

CREATE TABLE IF NOT EXISTS kv_entries (
	user_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	nonce      BYTEA NOT NULL,
	ciphertext BYTEA NOT NULL,
	version    BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (user_id, key)
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	p256dh     TEXT NOT NULL,
	auth       TEXT NOT NULL,
	user_agent TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	UNIQUE (account_id, endpoint)
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return err
	}
	var maxCreated *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(created_at) FROM feed_items`).Scan(&maxCreated); err != nil {
		return err
	}
	if maxCreated != nil {
		s.clock.observe(*maxCreated)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Accounts ────────────────────────────────────────────────

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, public_key, created_at FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "account", Key: id}
	}
	return a, err
}

func (s *PostgresStore) GetAccountByPublicKey(ctx context.Context, publicKey []byte) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, public_key, created_at FROM accounts WHERE public_key = $1`, publicKey)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "account", Key: "public key"}
	}
	return a, err
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, publicKey []byte) (*models.Account, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, public_key, created_at) VALUES ($1, $2, $3) ON CONFLICT (public_key) DO NOTHING`,
		uuid.NewString(), publicKey, toMillis(time.Now()))
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	a, err := s.GetAccountByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, false, err
	}
	return a, tag.RowsAffected() > 0, nil
}

// ── Feed ────────────────────────────────────────────────────

func (s *PostgresStore) AppendFeedItem(ctx context.Context, userID string, body models.FeedBody, repeatKey *string) (*models.FeedItem, bool, error) {
	encoded, err := models.MarshalFeedBody(body)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Held until commit. A reader can only ever see a prefix of the
	// account's feed, so paging with After never skips an item.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('zenflo.feed'), hashtext($1))`, userID); err != nil {
		return nil, false, fmt.Errorf("lock feed: %w", err)
	}

	var (
		lastMs int64
		lastID string
	)
	err = tx.QueryRow(ctx,
		`SELECT created_at, id FROM feed_items WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID).Scan(&lastMs, &lastID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("read feed head: %w", err)
	}

	createdAt, id := s.clock.nextAfter(lastMs, lastID)
	tag, err := tx.Exec(ctx,
		`INSERT INTO feed_items (id, user_id, body, repeat_key, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, repeat_key) DO NOTHING`,
		id, userID, string(encoded), repeatKey, toMillis(createdAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert feed item: %w", err)
	}

	if tag.RowsAffected() == 0 {
		row := tx.QueryRow(ctx,
			`SELECT `+feedColumns+` FROM feed_items WHERE user_id = $1 AND repeat_key = $2`,
			userID, *repeatKey)
		existing, err := scanFeedItem(row, userID)
		if err != nil {
			return nil, false, fmt.Errorf("load existing feed item: %w", err)
		}
		return existing, false, tx.Commit(ctx)
	}

	if err := tx.Commit(ctx); err != nil {
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

func (s *PostgresStore) ListFeedItems(ctx context.Context, userID string, q FeedQuery) ([]models.FeedItem, bool, error) {
	query, args := feedListSQL(userID, q, dollarSign)
	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) GetKV(ctx context.Context, userID, key string) (*models.KVEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, nonce, ciphertext, version, updated_at FROM kv_entries WHERE user_id = $1 AND key = $2`,
		userID, key)
	e, err := scanKV(row, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "kv", Key: key}
	}
	return e, err
}

func (s *PostgresStore) ListKV(ctx context.Context, userID string) ([]models.KVEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, nonce, ciphertext, version, updated_at FROM kv_entries WHERE user_id = $1 ORDER BY key`,
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

// PutKV performs the version check inside the statement so concurrent
// writers across replicas cannot both win.
func (s *PostgresStore) PutKV(ctx context.Context, userID, key string, blob models.EncryptedBlob, expectedVersion *int64) (*models.KVEntry, error) {
	now := toMillis(time.Now())

	var (
		row pgx.Row
		e   = models.KVEntry{UserID: userID, Key: key, EncryptedBlob: blob, UpdatedAt: fromMillis(now)}
	)
	switch {
	case expectedVersion == nil:
		row = s.pool.QueryRow(ctx,
			`INSERT INTO kv_entries (user_id, key, nonce, ciphertext, version, updated_at)
			 VALUES ($1, $2, $3, $4, 1, $5)
			 ON CONFLICT (user_id, key) DO UPDATE SET
				nonce = EXCLUDED.nonce,
				ciphertext = EXCLUDED.ciphertext,
				version = kv_entries.version + 1,
				updated_at = EXCLUDED.updated_at
			 RETURNING version`,
			userID, key, blob.Nonce, blob.Ciphertext, now)
	case *expectedVersion == 0:
		row = s.pool.QueryRow(ctx,
			`INSERT INTO kv_entries (user_id, key, nonce, ciphertext, version, updated_at)
			 VALUES ($1, $2, $3, $4, 1, $5)
			 ON CONFLICT (user_id, key) DO NOTHING
			 RETURNING version`,
			userID, key, blob.Nonce, blob.Ciphertext, now)
	default:
		row = s.pool.QueryRow(ctx,
			`UPDATE kv_entries SET nonce = $3, ciphertext = $4, version = version + 1, updated_at = $5
			 WHERE user_id = $1 AND key = $2 AND version = $6
			 RETURNING version`,
			userID, key, blob.Nonce, blob.Ciphertext, now, *expectedVersion)
	}

	if err := row.Scan(&e.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("write kv: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) DeleteKV(ctx context.Context, userID, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE user_id = $1 AND key = $2`, userID, key)
	if err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "kv", Key: key}
	}
	return nil
}

// ── Push subscriptions ──────────────────────────────────────

func (s *PostgresStore) SavePushSubscription(ctx context.Context, sub *models.PushSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO push_subscriptions (id, account_id, endpoint, p256dh, auth, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (account_id, endpoint) DO UPDATE SET
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			user_agent = EXCLUDED.user_agent
		 RETURNING id`,
		sub.ID, sub.AccountID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, sub.UserAgent, toMillis(sub.CreatedAt)).
		Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("save push subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPushSubscriptions(ctx context.Context, accountID string) ([]models.PushSubscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, endpoint, p256dh, auth, user_agent, created_at
		 FROM push_subscriptions WHERE account_id = $1 ORDER BY created_at`, accountID)
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

func (s *PostgresStore) DeletePushSubscription(ctx context.Context, accountID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE account_id = $1 AND id = $2`, accountID, id)
	if err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "push subscription", Key: id}
	}
	return nil
}
