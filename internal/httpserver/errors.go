package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"booking/internal/auth"
	"booking/internal/domain"
)

const (
	ErrInvalidJSON = "invalid json"
	ErrBadID       = "bad id"
	ErrDependency  = "dependency error"
	ErrUnauthed    = "unauthenticated"
)

type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg, field string) {
	body := errorBody{Error: msg, Code: "validation"}
	if field != "" {
		body.Details = map[string]any{"field": field}
	}
	writeJSON(w, http.StatusBadRequest, body)
}

// writeError maps the domain error taxonomy onto HTTP.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  domain.ValidationError
		ise domain.InvalidStateError
		own domain.OwnershipError
		fb  domain.ForbiddenError
		nf  domain.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Code: "validation",
			Details: map[string]any{"field": ve.Field}})
	case errors.As(err, &ise):
		writeJSON(w, http.StatusConflict, errorBody{Error: ise.Error(), Code: "invalid_state",
			Details: map[string]any{"entity": ise.Entity, "id": ise.ID, "expected": ise.Expected, "actual": ise.Actual}})
	case errors.As(err, &own):
		writeJSON(w, http.StatusForbidden, errorBody{Error: own.Error(), Code: "forbidden",
			Details: map[string]any{"resource": own.Resource, "id": own.ID}})
	case errors.As(err, &fb):
		writeJSON(w, http.StatusForbidden, errorBody{Error: fb.Error(), Code: "forbidden",
			Details: map[string]any{"action": fb.Action}})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorBody{Error: nf.Error(), Code: "not_found",
			Details: map[string]any{"resource": nf.Resource, "id": nf.ID}})
	case errors.Is(err, auth.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: ErrUnauthed, Code: "unauthenticated"})
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFrom(r.Context()),
			"err", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: ErrDependency, Code: "internal"})
	}
}
