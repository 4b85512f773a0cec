package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/database"
	"github.com/username/taxfolio/ledger/src/processors"
	"github.com/username/taxfolio/ledger/src/security"
	"github.com/username/taxfolio/ledger/src/services"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, secret string) (*httptest.Server, *security.TokenVerifier) {
	t.Helper()
	db, factory, err := database.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), time.Second)
	require.NoError(t, err)
	pool := database.NewPool(factory, database.PoolOptions{MaxSize: 3, AcquireTimeout: 5 * time.Second})
	require.NoError(t, database.EnsureSchema(context.Background(), pool))
	txm := database.NewTxManager(pool, database.DefaultTxManagerOptions())

	instruments := services.NewInstrumentService(pool)
	audit := services.NewAuditService(pool)
	ledger := services.NewRecalcService(pool, txm, processors.DefaultTaxPolicy(), instruments, audit, nil, nil)
	verifier := security.NewTokenVerifier(secret)

	router := Router{
		Transactions: NewTransactionHandler(ledger, audit),
		Portfolio:    NewPortfolioHandler(ledger, services.NewAgeService(pool, instruments)),
		Instruments:  NewInstrumentHandler(instruments),
		Uploads:      NewUploadHandler(services.NewUploadService(ledger), 1<<20),
		Health:       NewHealthHandler(pool, txm),
		Auth:         AuthMiddleware(verifier, 1),
	}
	srv := httptest.NewServer(router.Handler())
	t.Cleanup(func() {
		srv.Close()
		txm.Shutdown()
		pool.Shutdown()
		db.Close()
	})
	return srv, verifier
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded any
	if resp.StatusCode != http.StatusNotModified {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	switch v := decoded.(type) {
	case map[string]any:
		return resp, v
	case []any:
		return resp, map[string]any{"items": v}
	default:
		return resp, nil
	}
}

func seed(t *testing.T, srv *httptest.Server, header map[string]string) {
	t.Helper()
	resp, _ := do(t, srv, http.MethodPost, "/api/instruments", `{"symbol":"ACME","name":"Acme Corp"}`, header)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	for _, body := range []string{
		`{"side":"BUY","symbol":"ACME","quantity":10,"price":"100","date":"2024-01-01"}`,
		`{"side":"BUY","symbol":"ACME","quantity":10,"price":"120","date":"2024-01-05"}`,
		`{"side":"SELL","symbol":"ACME","quantity":12,"price":"150","date":"2024-01-10"}`,
	} {
		resp, payload := do(t, srv, http.MethodPost, "/api/transactions", body, header)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "payload: %v", payload)
		assert.Equal(t, true, payload["success"])
	}
}

func TestLedgerEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "")
	seed(t, srv, nil)

	resp, payload := do(t, srv, http.MethodGet, "/api/realized-gains?fy=2023-24", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gains := payload["items"].([]any)
	require.Len(t, gains, 2)
	assert.Equal(t, "500", gains[0].(map[string]any)["gain_amount"])
	assert.Equal(t, "60", gains[1].(map[string]any)["gain_amount"])

	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	resp, _ = do(t, srv, http.MethodGet, "/api/realized-gains?fy=2023-24", "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, payload = do(t, srv, http.MethodGet, "/api/tax-summary?fy=2023-24", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "112", payload["estimated_tax"])

	resp, payload = do(t, srv, http.MethodGet, "/api/lots", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, payload["items"], 1)

	resp, payload = do(t, srv, http.MethodGet, "/api/age-distribution", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(8), payload["total_quantity"])

	resp, payload = do(t, srv, http.MethodGet, "/api/instruments/acme", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ACME", payload["symbol"])

	resp, payload = do(t, srv, http.MethodGet, "/api/transactions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, payload["items"], 3)
}

func TestEditAndDeleteEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "")
	seed(t, srv, nil)

	resp, payload := do(t, srv, http.MethodPut, "/api/transactions/1", `{"quantity":1}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "payload: %v", payload)

	resp, _ = do(t, srv, http.MethodPut, "/api/transactions/1", `{"quantity":0}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPut, "/api/transactions/1", `{"colour":"red"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPut, "/api/transactions/99", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPut, "/api/transactions/abc", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, payload = do(t, srv, http.MethodPut, "/api/transactions/2", `{"date":"2023-12-31"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2023-12-31", payload["earliest_affected_date"])

	resp, payload = do(t, srv, http.MethodDelete, "/api/transactions/3", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), payload["gains_deleted"])

	resp, payload = do(t, srv, http.MethodGet, "/api/audit/2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, payload["items"], 2)

	resp, payload = do(t, srv, http.MethodPost, "/api/ledger/rebuild", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), payload["gains_written"])

	resp, _ = do(t, srv, http.MethodGet, "/api/tax-summary?fy=24-25", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func upload(t *testing.T, srv *httptest.Server, contents string, partType string) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="ledger.csv"`}
	header["Content-Type"] = []string{partType}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/transactions/import", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestImportEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	seed(t, srv, nil)

	csv := "date,side,symbol,quantity,price\n2023-12-01,BUY,ACME,5,90\n"
	resp, payload := upload(t, srv, csv, "text/csv")
	require.Equal(t, http.StatusCreated, resp.StatusCode, "payload: %v", payload)
	assert.Equal(t, float64(1), payload["imported"])
	assert.Equal(t, "2023-12-01", payload["earliest_affected_date"])

	resp, _ = upload(t, srv, csv, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = upload(t, srv, "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR", "text/csv")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, payload = upload(t, srv, "date,side,symbol,quantity,price\n2024-06-01,SELL,ACME,100,90\n", "text/csv")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "payload: %v", payload)

	resp, payload = do(t, srv, http.MethodGet, "/api/transactions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, payload["items"], 4)
}

func TestAuthMiddleware(t *testing.T) {
	srv, verifier := newTestServer(t, testSecret)

	resp, _ := do(t, srv, http.MethodGet, "/api/lots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/lots", "", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is public")

	alice, err := verifier.GenerateToken(7, time.Minute)
	require.NoError(t, err)
	bob, err := verifier.GenerateToken(8, time.Minute)
	require.NoError(t, err)
	aliceHeader := map[string]string{"Authorization": "Bearer " + alice}
	bobHeader := map[string]string{"Authorization": "Bearer " + bob}

	seed(t, srv, aliceHeader)

	resp, payload := do(t, srv, http.MethodGet, "/api/transactions", "", bobHeader)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, payload["items"])

	resp, _ = do(t, srv, http.MethodDelete, "/api/transactions/1", "", bobHeader)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, payload = do(t, srv, http.MethodGet, "/api/transactions", "", aliceHeader)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, payload["items"], 3)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp, payload := do(t, srv, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", payload["status"])
	pool := payload["pool"].(map[string]any)
	assert.Equal(t, float64(3), pool["max_size"])
	assert.Equal(t, float64(0), pool["in_use"])
}

func TestTxContextDiagnostics(t *testing.T) {
	srv, _ := newTestServer(t, "")
	seed(t, srv, nil)

	resp, payload := do(t, srv, http.MethodGet, "/api/diagnostics/tx/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), payload["id"])
	assert.Equal(t, string(database.TxCommitted), payload["status"])
	assert.NotEmpty(t, payload["operations"])

	resp, _ = do(t, srv, http.MethodGet, "/api/diagnostics/tx/9999", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/diagnostics/tx/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(0.001, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/lots", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/lots", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.Invalid("quantity", "must be positive"), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", apperrors.ErrNotFound), http.StatusNotFound},
		{&apperrors.OversellError{InstrumentID: 1, Requested: 2, Available: 1}, http.StatusConflict},
		{apperrors.ErrAcquireTimeout, http.StatusServiceUnavailable},
		{apperrors.ErrPoolShuttingDown, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: database is locked", apperrors.ErrStorageBusy), http.StatusServiceUnavailable},
		{apperrors.ErrStorageIntegrity, http.StatusInternalServerError},
		{apperrors.ErrContextFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestSendServiceErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	sendServiceError(rec, httptest.NewRequest(http.MethodGet, "/api/lots", nil), 1, fmt.Errorf("disk I/O error: %w", apperrors.ErrStorageIntegrity))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk")
}
