package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"booking/internal/domain"
	"booking/internal/service"
)

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	q := r.URL.Query()
	var after int64
	if s := q.Get("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			writeBadRequest(w, "after must be a message id", "after")
			return
		}
		after = v
	}
	var limit int
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			writeBadRequest(w, "limit must be a positive number", "limit")
			return
		}
		limit = v
	}

	msgs, err := a.Threads.List(r.Context(), id, userID(r), after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type postMessageBody struct {
	Type           domain.MessageType `json:"type"`
	Visibility     domain.Visibility  `json:"visibility"`
	Content        string             `json:"content"`
	SystemKey      string             `json:"system_key"`
	Action         domain.Action      `json:"action"`
	AttachmentURL  string             `json:"attachment_url"`
	AttachmentMeta map[string]any     `json:"attachment_meta"`
	ReplyToID      *int64             `json:"reply_to_id"`
	ExpiresAt      *time.Time         `json:"expires_at"`
}

func (a *API) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	var body postMessageBody
	if !decode(w, r, &body) {
		return
	}
	msg, created, err := a.Threads.Post(r.Context(), id, userID(r), service.PostInput{
		Type:           body.Type,
		Visibility:     body.Visibility,
		Content:        body.Content,
		SystemKey:      body.SystemKey,
		Action:         body.Action,
		AttachmentURL:  body.AttachmentURL,
		AttachmentMeta: body.AttachmentMeta,
		ReplyToID:      body.ReplyToID,
		ExpiresAt:      body.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, msg)
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	mid, ok := pathID(r, "mid")
	if !ok {
		writeBadRequest(w, ErrBadID, "mid")
		return
	}
	msg, err := a.Threads.Delete(r.Context(), id, mid, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	n, err := a.Threads.MarkRead(r.Context(), id, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (a *API) handleReactions(w http.ResponseWriter, r *http.Request) {
	mid, ok := pathID(r, "mid")
	if !ok {
		writeBadRequest(w, ErrBadID, "mid")
		return
	}
	rs, err := a.Threads.Reactions(r.Context(), mid, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rs == nil {
		rs = []domain.Reaction{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (a *API) handleReact(w http.ResponseWriter, r *http.Request) {
	mid, ok := pathID(r, "mid")
	if !ok {
		writeBadRequest(w, ErrBadID, "mid")
		return
	}
	var body struct {
		Emoji string `json:"emoji"`
	}
	if !decode(w, r, &body) {
		return
	}

	var (
		changed bool
		err     error
	)
	if r.Method == http.MethodDelete {
		changed, err = a.Threads.RemoveReaction(r.Context(), mid, userID(r), body.Emoji)
	} else {
		changed, err = a.Threads.AddReaction(r.Context(), mid, userID(r), body.Emoji)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// handleUnread answers 304 with no body when the caller already holds the
// current version token.
func (a *API) handleUnread(w http.ResponseWriter, r *http.Request) {
	u, err := a.Unread.Get(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	etag := `"` + u.Token + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" {
		for _, candidate := range strings.Split(match, ",") {
			c := strings.TrimSpace(candidate)
			if c == etag || strings.TrimPrefix(c, "W/") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, u)
}
