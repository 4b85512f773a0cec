package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/username/taxfolio/ledger/src/database"
	"github.com/username/taxfolio/ledger/src/logger"
	"github.com/username/taxfolio/ledger/src/utils"
)

type HealthHandler struct {
	pool      *database.Pool
	txManager *database.TxManager
}

func NewHealthHandler(pool *database.Pool, txManager *database.TxManager) *HealthHandler {
	return &HealthHandler{pool: pool, txManager: txManager}
}

type healthResponse struct {
	Status             string             `json:"status"`
	Pool               database.PoolStats `json:"pool"`
	ActiveTransactions int                `json:"active_transactions"`
	Error              string             `json:"error,omitempty"`
}

// HandleHealth serves GET /api/health: a pool ping, an integrity check and
// the pool counters.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if err := h.pool.Ping(ctx); err != nil {
		resp.Status, resp.Error = "unavailable", err.Error()
		status = http.StatusServiceUnavailable
	} else if err := database.CheckIntegrity(ctx, h.pool); err != nil {
		resp.Status, resp.Error = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusOK {
		logger.L.Warn("Health check failed", "status", resp.Status, "error", resp.Error)
	}
	resp.Pool = h.pool.Stats()
	resp.ActiveTransactions = h.txManager.ActiveCount()
	utils.SendJSON(w, resp, status)
}

// HandleGetTxContext serves GET /api/diagnostics/tx/{id}: the status and
// operation log of an active or recently finished transaction context.
func (h *HealthHandler) HandleGetTxContext(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	info, found := h.txManager.Lookup(uint64(id))
	if !found {
		utils.SendJSONError(w, "transaction context not found", http.StatusNotFound)
		return
	}
	utils.SendJSON(w, info, http.StatusOK)
}
