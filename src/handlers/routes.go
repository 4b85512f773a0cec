package handlers

import (
	"net/http"
)

// Router bundles the handlers and middleware served under /api/.
type Router struct {
	Transactions *TransactionHandler
	Portfolio    *PortfolioHandler
	Instruments  *InstrumentHandler
	Uploads      *UploadHandler
	Health       *HealthHandler
	Auth         func(http.Handler) http.Handler
}

// Handler builds the API mux. Health is public, everything else goes
// through Auth.
func (rt Router) Handler() http.Handler {
	apiRouter := http.NewServeMux()
	protect := func(h http.HandlerFunc) http.Handler {
		if rt.Auth == nil {
			return h
		}
		return rt.Auth(h)
	}

	apiRouter.HandleFunc("GET /api/health", rt.Health.HandleHealth)
	apiRouter.Handle("GET /api/diagnostics/tx/{id}", protect(rt.Health.HandleGetTxContext))

	apiRouter.Handle("POST /api/transactions", protect(rt.Transactions.HandleAddTransaction))
	apiRouter.Handle("GET /api/transactions", protect(rt.Transactions.HandleGetTransactions))
	apiRouter.Handle("POST /api/transactions/import", protect(rt.Uploads.HandleUpload))
	apiRouter.Handle("PUT /api/transactions/{id}", protect(rt.Transactions.HandleUpdateTransaction))
	apiRouter.Handle("DELETE /api/transactions/{id}", protect(rt.Transactions.HandleDeleteTransaction))
	apiRouter.Handle("POST /api/ledger/rebuild", protect(rt.Transactions.HandleRebuildLedger))
	apiRouter.Handle("GET /api/audit/{id}", protect(rt.Transactions.HandleGetAuditTrail))

	apiRouter.Handle("GET /api/lots", protect(rt.Portfolio.HandleGetOpenLots))
	apiRouter.Handle("GET /api/age-distribution", protect(rt.Portfolio.HandleGetAgeDistribution))
	apiRouter.Handle("GET /api/realized-gains", protect(rt.Portfolio.HandleGetRealizedGains))
	apiRouter.Handle("GET /api/tax-summary", protect(rt.Portfolio.HandleGetTaxSummary))

	apiRouter.Handle("POST /api/instruments", protect(rt.Instruments.HandleCreateInstrument))
	apiRouter.Handle("GET /api/instruments/{symbol}", protect(rt.Instruments.HandleGetInstrument))

	return apiRouter
}
