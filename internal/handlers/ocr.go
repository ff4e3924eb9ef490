package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"ocrgateway/internal/config"
	"ocrgateway/internal/credentials"
	"ocrgateway/internal/models"
	"ocrgateway/internal/services"
	"ocrgateway/internal/utils"
)

// multipartSlack is the headroom allowed on top of the payload ceiling for
// multipart framing and form fields.
const multipartSlack = 1 << 20

type OCRHandler struct {
	service       services.OCRService
	source        credentials.Source
	logger        *utils.Logger
	maxImageBytes int64
	startedAt     time.Time
}

func NewOCRHandler(service services.OCRService, source credentials.Source, cfg *config.Config, logger *utils.Logger) *OCRHandler {
	return &OCRHandler{
		service:       service,
		source:        source,
		logger:        logger,
		maxImageBytes: cfg.MaxImageBytes,
		startedAt:     time.Now(),
	}
}

// Base64 handles POST /ocr/base64. The body is either a single JSON object
// or an array of them; a single object behaves like a one-element batch and
// responds with a one-element array.
func (h *OCRHandler) Base64(w http.ResponseWriter, r *http.Request) {
	// Base64 inflates payloads by a third; beyond that, allow batches some
	// headroom over the per-item ceiling.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImageBytes*8)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, utils.NewBadRequestError("Request body too large or unreadable"))
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		h.respondError(w, utils.NewBadRequestError("Request body is empty"))
		return
	}

	requestID := utils.GenerateID()

	if trimmed[0] == '[' {
		var reqs []models.OCRRequest
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			h.respondError(w, utils.NewBadRequestError("Invalid JSON array"))
			return
		}
		h.processBatch(w, r, requestID, reqs)
		return
	}

	var req models.OCRRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		h.respondError(w, utils.NewBadRequestError("Invalid JSON body"))
		return
	}
	h.processSingle(w, r, requestID, workItemFromRequest(req))
}

// Upload handles POST /ocr/upload, a multipart form with the file under the
// "file" field.
func (h *OCRHandler) Upload(w http.ResponseWriter, r *http.Request) {
	limit := h.maxImageBytes + multipartSlack

	// Check Content-Length first to reject oversized requests early.
	if r.ContentLength > limit {
		h.respondError(w, utils.NewBadRequestError("File exceeds the size limit"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(h.maxImageBytes); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			h.respondError(w, utils.NewBadRequestError("File exceeds the size limit"))
			return
		}
		h.respondError(w, utils.NewBadRequestError("Invalid form data"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, utils.NewBadRequestError("No file provided"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxImageBytes+1))
	if err != nil {
		h.respondError(w, utils.NewInternalError("Failed to read file"))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "application/octet-stream" {
		// Browsers send this for anything unrecognized; let validation work
		// the real type out from the name and bytes.
		mimeType = ""
	}

	item := models.WorkItem{
		FileName: header.Filename,
		MimeType: mimeType,
		Payload:  data,
	}
	h.processSingle(w, r, utils.GenerateID(), item)
}

// Health handles GET /health.
func (h *OCRHandler) Health(w http.ResponseWriter, r *http.Request) {
	identityCount := 0
	if identities, err := h.source.List(); err == nil {
		identityCount = len(identities)
	}

	h.respondJSON(w, http.StatusOK, models.HealthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Identities:    identityCount,
	})
}

func workItemFromRequest(req models.OCRRequest) models.WorkItem {
	return models.WorkItem{
		FileName: req.OriginalFileName,
		Base64:   req.ImageBase64,
	}
}

func (h *OCRHandler) processSingle(w http.ResponseWriter, r *http.Request, requestID string, item models.WorkItem) {
	if err := h.service.Validate(&item); err != nil {
		h.logger.Warn("rejected work item",
			"requestId", requestID,
			"fileName", item.FileName,
			"error", err)
		tagged := &services.PhaseError{Phase: services.PhaseValidate, Err: err}
		h.respondJSON(w, http.StatusBadRequest, models.Result{FileName: item.FileName, Error: tagged.Error()})
		return
	}

	h.logger.Info("processing item",
		"requestId", requestID,
		"fileName", item.FileName,
		"bytes", len(item.Payload),
		"mimeType", item.MimeType)

	result := h.service.Process(r.Context(), item)
	h.respondJSON(w, http.StatusOK, []models.Result{result})
}

func (h *OCRHandler) processBatch(w http.ResponseWriter, r *http.Request, requestID string, reqs []models.OCRRequest) {
	items := make([]models.WorkItem, len(reqs))
	for i, req := range reqs {
		items[i] = workItemFromRequest(req)
	}

	h.logger.Info("processing batch", "requestId", requestID, "items", len(items))
	batch := h.service.ProcessBatch(r.Context(), items)

	status := http.StatusOK
	if len(items) == 0 {
		status = http.StatusBadRequest
	}
	h.respondJSON(w, status, batch)
}

func (h *OCRHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *OCRHandler) respondError(w http.ResponseWriter, err error) {
	var status int
	var message string

	switch e := err.(type) {
	case *utils.AppError:
		status = e.StatusCode
		message = e.Message
	default:
		status = http.StatusInternalServerError
		message = "Internal server error"
	}

	h.logger.Error("Request error", "status", status, "error", message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}
