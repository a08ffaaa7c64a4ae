package feed

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quinnbmay/zenflo-sub001/internal/store"
)

// ErrInvalidCursor is returned for a cursor that was not produced by EncodeCursor.
var ErrInvalidCursor = errors.New("feed: invalid cursor")

const cursorVersion = "v1"

// EncodeCursor renders a feed position as an opaque URL-safe token.
// Cursors compare in the same order as the positions they encode.
func EncodeCursor(pos store.FeedPosition) string {
	raw := fmt.Sprintf("%s:%d:%s", cursorVersion, pos.CreatedAt.UnixMilli(), pos.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor is the inverse of EncodeCursor.
func DecodeCursor(cursor string) (store.FeedPosition, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return store.FeedPosition{}, fmt.Errorf("%w: not base64url", ErrInvalidCursor)
	}

	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 || parts[0] != cursorVersion {
		return store.FeedPosition{}, fmt.Errorf("%w: unknown format", ErrInvalidCursor)
	}

	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || ms < 0 {
		return store.FeedPosition{}, fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	if _, err := ulid.ParseStrict(parts[2]); err != nil {
		return store.FeedPosition{}, fmt.Errorf("%w: bad id", ErrInvalidCursor)
	}

	return store.FeedPosition{CreatedAt: time.UnixMilli(ms).UTC(), ID: parts[2]}, nil
}
