package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"booklog/internal/auth"
	"booklog/internal/catalog"
	"booklog/internal/core"
	"booklog/internal/diary"
	applog "booklog/internal/log"
)

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// errBadRequest marks malformed requests that are not field validation failures.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps err to a status code and writes it as JSON. Server side
// failures are logged with the request logger and hidden from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var verr *ValidationError
	if errors.As(err, &verr) {
		body.Error = "validation failed"
		body.Fields = verr.Fields
	}

	switch status {
	case http.StatusInternalServerError:
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			applog.FieldPath, r.URL.Path, applog.FieldError, err)
		body.Error = "internal error"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Catalog request failed",
			applog.FieldPath, r.URL.Path, applog.FieldError, err)
		body.Error = "book catalog unavailable"
	case http.StatusUnauthorized:
		body.Error = "unauthorized"
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, errBadRequest),
		errors.Is(err, core.ErrInvalidStatus), errors.Is(err, core.ErrEmptyWorkKey), errors.Is(err, core.ErrEmptyTitle):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, diary.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrRateLimited):
		return http.StatusServiceUnavailable
	case errors.Is(err, catalog.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		// client went away; the status is never seen
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
