package handlers

import (
	"net/http"

	"github.com/username/taxfolio/ledger/src/models"
	"github.com/username/taxfolio/ledger/src/services"
	"github.com/username/taxfolio/ledger/src/utils"
)

type InstrumentHandler struct {
	instruments services.InstrumentDirectory
}

func NewInstrumentHandler(instruments services.InstrumentDirectory) *InstrumentHandler {
	return &InstrumentHandler{instruments: instruments}
}

// HandleCreateInstrument serves POST /api/instruments.
func (h *InstrumentHandler) HandleCreateInstrument(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var input models.Instrument
	if !decodeBody(w, r, &input) {
		return
	}
	inst, err := h.instruments.Create(r.Context(), input)
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSON(w, inst, http.StatusCreated)
}

// HandleGetInstrument serves GET /api/instruments/{symbol}.
func (h *InstrumentHandler) HandleGetInstrument(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	inst, err := h.instruments.GetBySymbol(r.Context(), r.PathValue("symbol"))
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSON(w, inst, http.StatusOK)
}
