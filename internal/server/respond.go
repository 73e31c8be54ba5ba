package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/orchestro/console/internal/actions"
	"github.com/orchestro/console/internal/engine"
	"github.com/orchestro/console/internal/state"
	"github.com/orchestro/console/pkg/api/client"
)

type ctxKey int

const projectIDKey ctxKey = iota

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps engine and backend errors onto a response. Backend rejections keep their status
// and message; transport failures become 502.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var actErr *actions.Error
	var apiErr client.APIError
	switch {
	case errors.As(err, &actErr):
		writeError(w, actErr.StatusCode(), actErr.Message())
	case errors.As(err, &apiErr):
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.Status)
		}
		writeError(w, apiErr.Status, msg)
	case errors.Is(err, state.ErrNotTracked):
		writeError(w, http.StatusConflict, "project is not being observed")
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.Is(err, context.Canceled):
		// client went away; nothing to answer
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// projectContext validates the {id} URL parameter once for every project route.
func (s *Server) projectContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid project id")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectIDKey, id)))
	})
}

func projectIDFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(projectIDKey).(int64)
	return id
}

func paramID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, ok := parseID(chi.URLParam(r, name))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid "+name)
	}
	return id, ok
}
