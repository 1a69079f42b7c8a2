package api

import (
	"context"
	"net/http"
	"time"

	"github.com/hookdebug/hookdebug/internal/fanout"
	"github.com/hookdebug/hookdebug/internal/storage"
)

type HealthHandler struct {
	durable storage.Durable
	memory  *storage.MemoryStore
	hub     *fanout.Hub
}

func NewHealthHandler(durable storage.Durable, memory *storage.MemoryStore, hub *fanout.Hub) *HealthHandler {
	return &HealthHandler{durable: durable, memory: memory, hub: hub}
}

type healthResponse struct {
	Status            string `json:"status"`
	Service           string `json:"service"`
	Database          string `json:"database"`
	AnonymousSessions int    `json:"anonymous_sessions"`
	LiveViewers       int    `json:"live_viewers"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Service: "hookdebug", Database: "connected"}
	resp.AnonymousSessions, _, _ = h.memory.Stats()
	resp.LiveViewers, _ = h.hub.Stats()

	status := http.StatusOK
	if err := h.durable.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
