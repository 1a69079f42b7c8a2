package api

import (
	"errors"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/directory"
)

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeFailure maps directory errors onto statuses. Anything unexpected is
// logged and reported as a 500 without detail.
func writeFailure(w http.ResponseWriter, log zerolog.Logger, err error, notFound, action string) {
	switch {
	case errors.Is(err, directory.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	default:
		log.Error().Err(err).Msg("failed to " + action)
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// queryLimit reads ?limit=. Zero means the caller did not set one.
func queryLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
