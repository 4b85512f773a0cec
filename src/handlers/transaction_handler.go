package handlers

import (
	"net/http"

	"github.com/username/taxfolio/ledger/src/logger"
	"github.com/username/taxfolio/ledger/src/models"
	"github.com/username/taxfolio/ledger/src/services"
	"github.com/username/taxfolio/ledger/src/utils"
)

type TransactionHandler struct {
	ledger services.LedgerService
	audit  services.AuditRecorder
}

func NewTransactionHandler(ledger services.LedgerService, audit services.AuditRecorder) *TransactionHandler {
	return &TransactionHandler{ledger: ledger, audit: audit}
}

// HandleAddTransaction serves POST /api/transactions.
func (h *TransactionHandler) HandleAddTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var input models.NewTransaction
	if !decodeBody(w, r, &input) {
		return
	}

	result, err := h.ledger.AddTransaction(r.Context(), userID, input)
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSON(w, result, http.StatusCreated)
}

// HandleUpdateTransaction serves PUT /api/transactions/{id}.
func (h *TransactionHandler) HandleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	txID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var edits models.TransactionEdit
	if !decodeBody(w, r, &edits) {
		return
	}

	logger.L.Info("Handling transaction edit", "userID", userID, "transactionID", txID)
	result, err := h.ledger.Recalculate(r.Context(), userID, txID, edits)
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleDeleteTransaction serves DELETE /api/transactions/{id}.
func (h *TransactionHandler) HandleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	txID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	logger.L.Info("Handling transaction delete", "userID", userID, "transactionID", txID)
	result, err := h.ledger.DeleteTransaction(r.Context(), userID, txID)
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleGetTransactions serves GET /api/transactions[?instrument=].
func (h *TransactionHandler) HandleGetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	instrumentID, ok := queryID(w, r, "instrument")
	if !ok {
		return
	}

	txs, err := h.ledger.GetTransactions(r.Context(), userID, instrumentID)
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSONWithETag(w, r, txs)
}

// HandleRebuildLedger serves POST /api/ledger/rebuild.
func (h *TransactionHandler) HandleRebuildLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	logger.L.Info("Handling full ledger rebuild", "userID", userID)
	result, err := h.ledger.RebuildAll(r.Context(), userID)
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleGetAuditTrail serves GET /api/audit/{id}.
func (h *TransactionHandler) HandleGetAuditTrail(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	txID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	trail, err := h.audit.GetTrail(r.Context(), userID, txID)
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSON(w, trail, http.StatusOK)
}
