package handlers

import (
	"fmt"
	"net/http"

	"github.com/username/taxfolio/ledger/src/logger"
	"github.com/username/taxfolio/ledger/src/security/validation"
	"github.com/username/taxfolio/ledger/src/services"
	"github.com/username/taxfolio/ledger/src/utils"
)

const DefaultMaxUploadSizeBytes int64 = 10 << 20

type UploadHandler struct {
	uploadService services.UploadService
	maxBytes      int64
}

func NewUploadHandler(service services.UploadService, maxBytes int64) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadSizeBytes
	}
	return &UploadHandler{uploadService: service, maxBytes: maxBytes}
}

// HandleUpload serves POST /api/transactions/import: a multipart form with a
// "file" part and an optional "format" field.
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+(1<<20))
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		logger.L.Warn("Failed to parse multipart form or request too large", "userID", userID, "error", err, "limit", h.maxBytes)
		utils.SendJSONError(w, fmt.Sprintf("Failed to parse form or request too large (max %d MB)", h.maxBytes/(1024*1024)), http.StatusBadRequest)
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		logger.L.Warn("Failed to retrieve file from request", "userID", userID, "error", err)
		utils.SendJSONError(w, "Failed to retrieve file from request. Ensure 'file' field is used.", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if fileHeader.Size > h.maxBytes {
		logger.L.Warn("Uploaded file too large", "userID", userID, "fileSize", fileHeader.Size, "limit", h.maxBytes)
		utils.SendJSONError(w, fmt.Sprintf("File too large, max %d MB", h.maxBytes/(1024*1024)), http.StatusBadRequest)
		return
	}

	clientContentType := fileHeader.Header.Get("Content-Type")
	if err := validation.ValidateClientContentType(clientContentType); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	detectedContentType, err := validation.ValidateFileContentByMagicBytes(file)
	if err != nil {
		logger.L.Warn("Server-side file content validation failed", "userID", userID, "filename", fileHeader.Filename, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger.L.Info("Processing upload request", "userID", userID, "filename", fileHeader.Filename,
		"clientType", clientContentType, "detectedType", detectedContentType)
	result, err := h.uploadService.ProcessUpload(r.Context(), file, userID, r.FormValue("format"))
	if err != nil {
		sendServiceError(w, r, userID, err)
		return
	}
	utils.SendJSON(w, result, http.StatusCreated)
}
