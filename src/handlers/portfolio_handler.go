package handlers

import (
	"net/http"

	"github.com/username/taxfolio/ledger/src/services"
	"github.com/username/taxfolio/ledger/src/utils"
)

type PortfolioHandler struct {
	ledger services.LedgerService
	ages   services.AgeService
}

func NewPortfolioHandler(ledger services.LedgerService, ages services.AgeService) *PortfolioHandler {
	return &PortfolioHandler{ledger: ledger, ages: ages}
}

// HandleGetOpenLots serves GET /api/lots[?instrument=].
func (h *PortfolioHandler) HandleGetOpenLots(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	instrumentID, ok := queryID(w, r, "instrument")
	if !ok {
		return
	}
	lots, err := h.ledger.GetOpenLots(r.Context(), userID, instrumentID)
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSON(w, lots, http.StatusOK)
}

// HandleGetAgeDistribution serves GET /api/age-distribution[?instrument=].
func (h *PortfolioHandler) HandleGetAgeDistribution(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	instrumentID, ok := queryID(w, r, "instrument")
	if !ok {
		return
	}
	var filter *int64
	if instrumentID != 0 {
		filter = &instrumentID
	}
	dist, err := h.ages.GetAgeDistribution(r.Context(), userID, filter)
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSON(w, dist, http.StatusOK)
}

// HandleGetRealizedGains serves GET /api/realized-gains[?fy=2024-25].
func (h *PortfolioHandler) HandleGetRealizedGains(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	gains, err := h.ledger.GetRealizedGains(r.Context(), userID, r.URL.Query().Get("fy"))
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSONWithETag(w, r, gains)
}

// HandleGetTaxSummary serves GET /api/tax-summary[?fy=2024-25].
func (h *PortfolioHandler) HandleGetTaxSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	summary, err := h.ledger.GetTaxSummary(r.Context(), userID, r.URL.Query().Get("fy"))
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSONWithETag(w, r, summary)
}
