package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/config"
	"github.com/hookdebug/hookdebug/internal/fanout"
	"github.com/hookdebug/hookdebug/internal/storage"
)

const cleanupHistory = 10

type SystemHandler struct {
	durable   storage.Durable
	memory    *storage.MemoryStore
	hub       *fanout.Hub
	retention config.RetentionConfig
	log       zerolog.Logger
}

func NewSystemHandler(durable storage.Durable, memory *storage.MemoryStore, hub *fanout.Hub, retention config.RetentionConfig, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{durable: durable, memory: memory, hub: hub, retention: retention, log: log}
}

type cleanupInfoResponse struct {
	LastCleanup *storage.SweepResult  `json:"last_cleanup"`
	History     []storage.SweepResult `json:"history"`
	EndpointTTL string                `json:"endpoint_ttl"`
	Interval    string                `json:"interval"`
}

// CleanupInfo reports recent retention sweeps and the retention policy.
func (h *SystemHandler) CleanupInfo(w http.ResponseWriter, r *http.Request) {
	history, err := h.durable.LastSweeps(r.Context(), cleanupHistory)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read cleanup log")
		writeError(w, http.StatusInternalServerError, "failed to read cleanup log")
		return
	}
	if history == nil {
		history = []storage.SweepResult{}
	}

	resp := cleanupInfoResponse{
		History:     history,
		EndpointTTL: h.retention.EndpointTTL.String(),
		Interval:    h.retention.Interval.String(),
	}
	if len(history) > 0 {
		resp.LastCleanup = &history[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

type anonymousStats struct {
	Sessions  int `json:"sessions"`
	Endpoints int `json:"endpoints"`
	Requests  int `json:"requests"`
}

type liveStats struct {
	Viewers int `json:"viewers"`
	Rooms   int `json:"rooms"`
}

type statsResponse struct {
	Durable   *storage.Totals `json:"durable"`
	Anonymous anonymousStats  `json:"anonymous"`
	Live      liveStats       `json:"live"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stats reports totals across both storage regimes and the live channel.
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.durable.Totals(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to count durable records")
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	resp := statsResponse{Durable: totals, Timestamp: time.Now().UTC()}
	resp.Anonymous.Sessions, resp.Anonymous.Endpoints, resp.Anonymous.Requests = h.memory.Stats()
	resp.Live.Viewers, resp.Live.Rooms = h.hub.Stats()
	writeJSON(w, http.StatusOK, resp)
}
