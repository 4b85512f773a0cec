package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/username/taxfolio/ledger/src/logger"
)

// GenerateETag hashes the JSON representation of data.
func GenerateETag(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data for ETag generation: %w", err)
	}
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:]), nil
}

// SendJSONError writes {"error": message} with the given status.
func SendJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	logger.L.Warn("Sending JSON error to client", "message", message, "statusCode", statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// SendJSON writes data as JSON with the given status.
func SendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.L.Error("Failed to encode JSON response", "error", err)
	}
}

// SendJSONWithETag answers 304 when the request's If-None-Match matches the
// payload's ETag, and the JSON payload otherwise.
func SendJSONWithETag(w http.ResponseWriter, r *http.Request, data interface{}) {
	etag, err := GenerateETag(data)
	if err != nil {
		logger.L.Error("Failed to generate ETag", "error", err)
		SendJSON(w, data, http.StatusOK)
		return
	}
	quoted := `"` + etag + `"`
	w.Header().Set("ETag", quoted)
	if match := r.Header.Get("If-None-Match"); match != "" && match == quoted {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	SendJSON(w, data, http.StatusOK)
}
