package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// Shared SQL for SQLiteStore and PostgresStore. Timestamps are stored as
// Unix milliseconds so both engines order and compare them identically.

const feedColumns = `id, body, repeat_key, created_at`

// placeholder renders the n-th (1-based) bind parameter.
type placeholder func(n int) string

func questionMark(int) string { return "?" }

func dollarSign(n int) string { return fmt.Sprintf("$%d", n) }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// feedListSQL builds the page query for q. It fetches one row past the
// limit so the caller can compute hasMore.
func feedListSQL(userID string, q FeedQuery, ph placeholder) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	sb.WriteString("SELECT " + feedColumns + " FROM feed_items WHERE user_id = " + bind(userID))

	if q.After != nil {
		ms := toMillis(q.After.CreatedAt)
		fmt.Fprintf(&sb, " AND (created_at > %s OR (created_at = %s AND id > %s))",
			bind(ms), bind(ms), bind(q.After.ID))
	}
	if q.Before != nil {
		ms := toMillis(q.Before.CreatedAt)
		fmt.Fprintf(&sb, " AND (created_at < %s OR (created_at = %s AND id < %s))",
			bind(ms), bind(ms), bind(q.Before.ID))
	}

	if q.Backward() {
		sb.WriteString(" ORDER BY created_at DESC, id DESC")
	} else {
		sb.WriteString(" ORDER BY created_at ASC, id ASC")
	}
	sb.WriteString(" LIMIT " + bind(clampLimit(q.Limit)+1))

	return sb.String(), args
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeedItem(row rowScanner, userID string) (*models.FeedItem, error) {
	var (
		item      models.FeedItem
		body      string
		repeatKey *string
		createdAt int64
	)
	if err := row.Scan(&item.ID, &body, &repeatKey, &createdAt); err != nil {
		return nil, err
	}
	b, err := models.UnmarshalFeedBody([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("feed item %s: %w", item.ID, err)
	}
	item.UserID = userID
	item.Body = b
	item.RepeatKey = repeatKey
	item.CreatedAt = fromMillis(createdAt)
	return &item, nil
}

// pageFeedItems trims the limit+1 probe row and restores ascending order.
func pageFeedItems(items []models.FeedItem, q FeedQuery) ([]models.FeedItem, bool) {
	limit := clampLimit(q.Limit)
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	if q.Backward() {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	if items == nil {
		items = []models.FeedItem{}
	}
	return items, hasMore
}
