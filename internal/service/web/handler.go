package web

import (
	"encoding/json"
	"net/http"

	"proxyrotator/internal/shared/logger"
	"proxyrotator/proxypool"
)

// PoolReader is the read-only view of the pool the handler needs.
// This decouples the web package from the pool's mutating API.
type PoolReader interface {
	Stats() proxypool.Stats
	Queued() []string
}

// PoolSnapshot 是 GET /api/pool 的响应体
type PoolSnapshot struct {
	proxypool.Stats
	Queued  []string `json:"queued"`
	Clients int      `json:"ws_clients"`
}

type Handler struct {
	pool PoolReader
	hub  *Hub
}

// NewHandler builds the handler. pool may be nil when the proxy pool is
// disabled.
func NewHandler(pool PoolReader, hub *Hub) *Handler {
	return &Handler{pool: pool, hub: hub}
}

// HandlePool 处理 GET /api/pool 请求
func (h *Handler) HandlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.pool == nil {
		http.Error(w, "Proxy pool disabled", http.StatusServiceUnavailable)
		return
	}

	snapshot := PoolSnapshot{
		Stats:  h.pool.Stats(),
		Queued: h.pool.Queued(),
	}
	if h.hub != nil {
		snapshot.Clients = h.hub.ClientCount()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		logger.Warn().Err(err).Msg("Failed to write pool snapshot")
	}
}
