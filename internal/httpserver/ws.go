package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"booking/internal/realtime"
)

func (a *API) handleRequestSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, ErrBadID, "id")
		return
	}
	// parties only
	if _, err := a.Bookings.Get(r.Context(), id, userID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	a.serveSocket(w, r, id)
}

func (a *API) handleNotificationSocket(w http.ResponseWriter, r *http.Request) {
	a.serveSocket(w, r, 0)
}

func (a *API) serveSocket(w http.ResponseWriter, r *http.Request, requestID int64) {
	uid := userID(r)
	conn, err := a.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Debug("websocket upgrade failed", "user_id", uid, "err", err)
		return
	}
	ch := realtime.NewWSChannel(conn)

	done, err := a.Hub.Register(r.Context(), uid, requestID, ch)
	if errors.Is(err, realtime.ErrThrottled) {
		return
	}
	if err != nil {
		_ = ch.Close()
		return
	}
	defer done()

	slog.Debug("websocket open", "user_id", uid, "booking_request_id", requestID, "channel", ch.ID())
	ch.Serve(r.Context(), a.Hub, uid, requestID)
}
