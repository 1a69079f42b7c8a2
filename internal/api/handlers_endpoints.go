package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/directory"
	"github.com/hookdebug/hookdebug/internal/export"
	"github.com/hookdebug/hookdebug/internal/fanout"
	"github.com/hookdebug/hookdebug/internal/models"
)

type EndpointHandler struct {
	dir       *directory.Directory
	reqs      *directory.Requests
	hub       *fanout.Hub
	publicURL string
	log       zerolog.Logger
}

func NewEndpointHandler(dir *directory.Directory, reqs *directory.Requests, hub *fanout.Hub, publicURL string, log zerolog.Logger) *EndpointHandler {
	return &EndpointHandler{
		dir:       dir,
		reqs:      reqs,
		hub:       hub,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log,
	}
}

type createEndpointRequest struct {
	Name string `json:"name"`
}

// withURL fills in where senders should post to.
func (h *EndpointHandler) withURL(r *http.Request, ep models.Endpoint) models.Endpoint {
	base := h.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = fmt.Sprintf("%s://%s", scheme, r.Host)
	}
	ep.URL = base + "/" + ep.Path
	return ep
}

func (h *EndpointHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	owner := ownerOf(r)
	ep, err := h.dir.Create(r.Context(), req.Name, owner)
	if err != nil {
		writeFailure(w, h.log, err, "Endpoint not found", "create endpoint")
		return
	}
	h.hub.Publish(fanout.EndpointCreatedEvent(*ep))

	writeJSON(w, http.StatusCreated, h.withURL(r, *ep))
}

func (h *EndpointHandler) List(w http.ResponseWriter, r *http.Request) {
	eps, err := h.dir.ListByOwner(r.Context(), ownerOf(r))
	if err != nil {
		writeFailure(w, h.log, err, "Endpoint not found", "list endpoints")
		return
	}
	for i := range eps {
		eps[i] = h.withURL(r, eps[i])
	}
	writeJSON(w, http.StatusOK, eps)
}

func (h *EndpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	ep, err := h.dir.GetByID(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		writeFailure(w, h.log, err, "Endpoint not found", "get endpoint")
		return
	}
	writeJSON(w, http.StatusOK, h.withURL(r, *ep))
}

func (h *EndpointHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.hub.Ordered(id, func() error {
		ep, err := h.dir.Delete(r.Context(), id, ownerOf(r))
		if err != nil {
			return err
		}
		h.hub.Publish(fanout.EndpointDeletedEvent(*ep))
		return nil
	})
	if err != nil {
		writeFailure(w, h.log, err, "Endpoint not found", "delete endpoint")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Endpoint deleted successfully", ID: id})
}

func (h *EndpointHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	id := chi.URLParam(r, "id")
	reqs, err := h.reqs.ListByEndpoint(r.Context(), id, ownerOf(r), limit)
	if err != nil {
		writeFailure(w, h.log, err, "Endpoint not found", "list requests")
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// GetRequest returns one captured request of the endpoint.
func (h *EndpointHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.reqs.Get(r.Context(), chi.URLParam(r, "requestId"), ownerOf(r))
	if err == nil && req.EndpointID != chi.URLParam(r, "id") {
		err = directory.ErrNotFound
	}
	if err != nil {
		writeFailure(w, h.log, err, "Request not found", "get request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type clearedResponse struct {
	Message string `json:"message"`
	Cleared int64  `json:"cleared"`
}

func (h *EndpointHandler) ClearRequests(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var cleared int64
	err := h.hub.Ordered(id, func() error {
		n, err := h.reqs.ClearByEndpoint(r.Context(), id, ownerOf(r))
		if err != nil {
			return err
		}
		cleared = n
		h.hub.Publish(fanout.RequestsClearedEvent(id))
		return nil
	})
	if err != nil {
		writeFailure(w, h.log, err, "Endpoint not found", "clear requests")
		return
	}
	writeJSON(w, http.StatusOK, clearedResponse{Message: "Requests cleared successfully", Cleared: cleared})
}

func (h *EndpointHandler) Export(w http.ResponseWriter, r *http.Request) {
	ep, reqs, err := h.reqs.ListAllByEndpoint(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		writeFailure(w, h.log, err, "Endpoint not found", "export requests")
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.FileName(*ep, time.Now())))
	w.WriteHeader(http.StatusOK)
	if _, err := export.WriteJSONLGZ(w, reqs); err != nil {
		h.log.Error().Err(err).Str("endpoint_id", ep.ID).Msg("export interrupted")
	}
}
