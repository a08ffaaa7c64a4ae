package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/internal/feed"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// ListFeed returns one page of the caller's feed.
// GET /v1/feed?before=&after=&limit=
func (h *Handlers) ListFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	opts := feed.ListOptions{
		Before: q.Get("before"),
		After:  q.Get("after"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, CodeBadRequest, "limit must be an integer")
			return
		}
		opts.Limit = limit
	}

	page, err := h.Feed.List(r.Context(), userID, opts)
	if err != nil {
		if errors.Is(err, feed.ErrInvalidCursor) {
			respondError(w, http.StatusBadRequest, CodeInvalidCursor, err.Error())
			return
		}
		respondStoreError(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []models.FeedItem{}
	}
	respondJSON(w, http.StatusOK, page)
}

// AppendFeed stores a device-originated item.
// POST /v1/feed
func (h *Handlers) AppendFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok {
		return
	}

	var req models.FeedAppendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	body, err := models.UnmarshalFeedBody(req.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if !validRepeatKey(req.RepeatKey) {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "repeatKey must not be blank")
		return
	}

	item, created, err := h.Feed.Append(r.Context(), userID, body, req.RepeatKey)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, models.FeedAppendResponse{Item: *item, Created: created})
}

// PostClaudeMessage is the agent inbox: the daemon posts agent messages
// here with the agent's message id as repeat key, so retries never
// duplicate a feed item.
// POST /v1/inbox/claude-message
func (h *Handlers) PostClaudeMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok {
		return
	}

	var req models.ClaudeMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "message is required")
		return
	}
	if !validRepeatKey(req.RepeatKey) {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "repeatKey must not be blank")
		return
	}

	body := models.ClaudeMessageBody{
		Title:     req.Title,
		Message:   req.Message,
		SessionID: req.SessionID,
		Priority:  req.Priority,
	}
	item, created, err := h.Feed.Append(r.Context(), userID, body, req.RepeatKey)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if created {
		log.Debug().Str("user", userID).Str("id", item.ID).Str("session", req.SessionID).Msg("Inbox message stored")
	}

	respondJSON(w, http.StatusOK, models.ClaudeMessageResponse{
		Success: true,
		ID:      item.ID,
		Created: created,
	})
}

func validRepeatKey(k *string) bool {
	return k == nil || strings.TrimSpace(*k) != ""
}
