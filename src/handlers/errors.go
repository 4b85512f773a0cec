package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/logger"
	"github.com/username/taxfolio/ledger/src/utils"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrOversell):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrAcquireTimeout), errors.Is(err, apperrors.ErrPoolShuttingDown),
		errors.Is(err, apperrors.ErrStorageBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError answers with the mapped status. Client errors carry the
// error text; everything else gets a generic message.
func sendServiceError(w http.ResponseWriter, r *http.Request, userID int64, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
		utils.SendJSONError(w, err.Error(), status)
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		utils.SendJSONError(w, "storage busy, retry later", status)
	default:
		logger.L.Error("Request failed", "method", r.Method, "path", r.URL.Path, "userID", userID, "error", err)
		utils.SendJSONError(w, "internal server error", status)
	}
}

func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
	}
	return userID, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		utils.SendJSONError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// queryID parses an optional positive id query parameter; 0 means absent.
func queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		utils.SendJSONError(w, "invalid "+name+" parameter", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		utils.SendJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
