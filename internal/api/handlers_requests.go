package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/directory"
	"github.com/hookdebug/hookdebug/internal/fanout"
)

type RequestHandler struct {
	reqs *directory.Requests
	hub  *fanout.Hub
	log  zerolog.Logger
}

func NewRequestHandler(reqs *directory.Requests, hub *fanout.Hub, log zerolog.Logger) *RequestHandler {
	return &RequestHandler{reqs: reqs, hub: hub, log: log}
}

// List returns the caller's requests across all of their endpoints.
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	reqs, err := h.reqs.ListByOwner(r.Context(), ownerOf(r), limit)
	if err != nil {
		writeFailure(w, h.log, err, "Request not found", "list requests")
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

type deletedRequestResponse struct {
	Message    string `json:"message"`
	ID         string `json:"id"`
	EndpointID string `json:"endpoint_id"`
}

func (h *RequestHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := ownerOf(r)

	req, err := h.reqs.Get(r.Context(), id, owner)
	if err != nil {
		writeFailure(w, h.log, err, "Request not found", "delete request")
		return
	}

	var endpointID string
	err = h.hub.Ordered(req.EndpointID, func() error {
		var err error
		endpointID, err = h.reqs.DeleteOne(r.Context(), id, owner)
		if err != nil {
			return err
		}
		h.hub.Publish(fanout.RequestDeletedEvent(endpointID, id))
		return nil
	})
	if err != nil {
		writeFailure(w, h.log, err, "Request not found", "delete request")
		return
	}
	writeJSON(w, http.StatusOK, deletedRequestResponse{Message: "Request deleted successfully", ID: id, EndpointID: endpointID})
}
