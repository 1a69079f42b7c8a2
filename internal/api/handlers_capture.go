package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/capture"
	"github.com/hookdebug/hookdebug/internal/directory"
)

type CaptureHandler struct {
	pipeline *capture.Pipeline
	log      zerolog.Logger
}

func NewCaptureHandler(pipeline *capture.Pipeline, log zerolog.Logger) *CaptureHandler {
	return &CaptureHandler{pipeline: pipeline, log: log}
}

// Capture accepts any method on /{path} and everything beneath it.
func (h *CaptureHandler) Capture(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.pipeline.MaxBodyBytes())
	receipt, err := h.pipeline.Capture(r.Context(), chi.URLParam(r, "path"), r)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, receipt)
	case errors.Is(err, directory.ErrNotFound):
		writeError(w, http.StatusNotFound, "Endpoint not found")
	case errors.Is(err, capture.ErrBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		h.log.Error().Err(err).Msg("failed to capture webhook")
		writeError(w, http.StatusInternalServerError, "failed to capture webhook")
	}
}
