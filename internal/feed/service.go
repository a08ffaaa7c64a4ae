// Package feed is the append-only, per-user message feed the relay keeps
// for each account.
//
// Appends are idempotent on an optional repeat key. Listing is cursor
// paginated in creation order. Every newly committed item is handed to the
// registered notifiers (live subscribers, Web Push); replays and failed
// appends notify nobody.
package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/internal/store"
	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

const (
	// DefaultLimit is the page size when the caller does not ask for one.
	DefaultLimit = 50
	// MaxLimit caps any requested page size.
	MaxLimit = 200
)

// ListOptions selects a page. Before and After are cursors from previous
// pages; empty means unbounded.
type ListOptions struct {
	Before string
	After  string
	Limit  int
}

// Service implements feed append and listing on top of a store.FeedStore.
type Service struct {
	store store.FeedStore

	mu        sync.RWMutex
	notifiers []contracts.FeedNotifier
}

// NewService creates a feed service. Notifiers can also be added later with
// AddNotifier.
func NewService(s store.FeedStore, notifiers ...contracts.FeedNotifier) *Service {
	return &Service{
		store:     s,
		notifiers: notifiers,
	}
}

// AddNotifier registers a notifier for newly created items.
func (s *Service) AddNotifier(n contracts.FeedNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
	log.Info().Str("notifier", n.Name()).Msg("Feed notifier registered")
}

// Append adds body to the user's feed. When repeatKey is non-nil and an
// item with that key exists, the existing item is returned with
// created=false and nothing is notified.
func (s *Service) Append(ctx context.Context, userID string, body models.FeedBody, repeatKey *string) (*models.FeedItem, bool, error) {
	if body == nil {
		return nil, false, fmt.Errorf("feed: body is required")
	}

	item, created, err := s.store.AppendFeedItem(ctx, userID, body, repeatKey)
	if err != nil {
		metricAppends.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("feed: append: %w", err)
	}
	item.Cursor = EncodeCursor(store.PositionOf(item))

	if !created {
		metricAppends.WithLabelValues("replayed").Inc()
		log.Debug().Str("user", userID).Str("id", item.ID).Msg("Feed append replayed existing item")
		return item, false, nil
	}
	metricAppends.WithLabelValues("created").Inc()

	s.notify(ctx, userID, *item)
	return item, true, nil
}

// notify runs after the append has committed. The request may already be
// finishing, so notifiers get a context that outlives its cancellation.
func (s *Service) notify(ctx context.Context, userID string, item models.FeedItem) {
	s.mu.RLock()
	notifiers := make([]contracts.FeedNotifier, len(s.notifiers))
	copy(notifiers, s.notifiers)
	s.mu.RUnlock()

	nctx := context.WithoutCancel(ctx)
	for _, n := range notifiers {
		if err := n.NotifyFeedItem(nctx, userID, item); err != nil {
			metricNotifyErrors.WithLabelValues(n.Name()).Inc()
			log.Warn().Err(err).
				Str("notifier", n.Name()).
				Str("user", userID).
				Str("id", item.ID).
				Msg("Feed notification failed")
		}
	}
}

// List returns one page of the user's feed in creation order.
func (s *Service) List(ctx context.Context, userID string, opts ListOptions) (*models.FeedPage, error) {
	q := store.FeedQuery{Limit: ClampLimit(opts.Limit)}

	if opts.After != "" {
		pos, err := DecodeCursor(opts.After)
		if err != nil {
			return nil, err
		}
		q.After = &pos
	}
	if opts.Before != "" {
		pos, err := DecodeCursor(opts.Before)
		if err != nil {
			return nil, err
		}
		q.Before = &pos
	}

	items, hasMore, err := s.store.ListFeedItems(ctx, userID, q)
	if err != nil {
		return nil, fmt.Errorf("feed: list: %w", err)
	}
	for i := range items {
		items[i].Cursor = EncodeCursor(store.PositionOf(&items[i]))
	}
	return &models.FeedPage{Items: items, HasMore: hasMore}, nil
}

// ClampLimit applies the default and bounds to a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultLimit
	case limit < 1:
		return 1
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
