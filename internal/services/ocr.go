package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ocrgateway/internal/auth"
	"ocrgateway/internal/config"
	"ocrgateway/internal/models"
	"ocrgateway/internal/utils"
)

// SessionSource is the slice of the session rotator the pipeline needs.
type SessionSource interface {
	Acquire(ctx context.Context) (*auth.Session, error)
	Release(session *auth.Session)
}

// Remote is the slice of the Drive client the pipeline needs.
type Remote interface {
	UploadAndConvert(ctx context.Context, token, name, mimeType string, payload []byte) (string, error)
	ExportText(ctx context.Context, token, fileID string) (string, error)
	Delete(ctx context.Context, token, fileID string) error
}

type OCRService interface {
	// Validate decodes the item's Base64 payload in place and applies the
	// local checks that must pass before a remote round trip is worth it.
	Validate(item *models.WorkItem) error

	// Process runs one item through the full pipeline. It always returns a
	// Result, never an error; failures are captured inside the Result.
	Process(ctx context.Context, item models.WorkItem) models.Result

	// ProcessBatch validates and fans out the items concurrently, returning
	// per-item results in input order.
	ProcessBatch(ctx context.Context, items []models.WorkItem) models.BatchResult
}

type ocrService struct {
	sessions SessionSource
	remote   Remote
	logger   *utils.Logger

	maxImageBytes int64
	maxConcurrent int
}

func NewService(sessions SessionSource, remote Remote, cfg *config.Config, logger *utils.Logger) OCRService {
	return &ocrService{
		sessions:      sessions,
		remote:        remote,
		logger:        logger.Named("ocr"),
		maxImageBytes: cfg.MaxImageBytes,
		maxConcurrent: cfg.MaxConcurrentOCR,
	}
}

// Process drives one work item through auth, upload-and-convert, export and
// delete. The session is always released, whichever phase fails. A delete
// failure leaks a remote document; it is reported in the Result without
// overturning a successful export.
func (s *ocrService) Process(ctx context.Context, item models.WorkItem) models.Result {
	result := models.Result{FileName: item.FileName}
	start := time.Now()

	session, err := s.sessions.Acquire(ctx)
	result.Timing.Auth = secondsSince(start)
	if err != nil {
		s.logger.Error("session acquisition failed", "fileName", item.FileName, "error", err)
		result.Error = phaseMessage(PhaseAuth, err)
		result.Timing.Total = secondsSince(start)
		return result
	}
	defer s.sessions.Release(session)
	result.Identity = session.Identity.ClientEmail

	remoteName := remoteDocumentName(item.FileName)

	uploadStart := time.Now()
	fileID, err := s.remote.UploadAndConvert(ctx, session.Token, remoteName, item.MimeType, item.Payload)
	result.Timing.UploadAndConvert = secondsSince(uploadStart)
	if err != nil {
		s.logger.Error("upload failed", "fileName", item.FileName, "identity", result.Identity, "error", err)
		result.Error = phaseMessage(PhaseUpload, err)
		result.Timing.Total = secondsSince(start)
		return result
	}

	exportStart := time.Now()
	text, err := s.remote.ExportText(ctx, session.Token, fileID)
	result.Timing.Export = secondsSince(exportStart)
	if err != nil {
		s.logger.Error("export failed", "fileName", item.FileName, "fileId", fileID, "error", err)
		result.Error = phaseMessage(PhaseExport, err)
	} else {
		result.Success = true
		result.Text = text
	}

	deleteStart := time.Now()
	if err := s.remote.Delete(ctx, session.Token, fileID); err != nil {
		s.logger.Warn("leaked remote document", "fileName", item.FileName, "fileId", fileID, "error", err)
		result.Error = appendCleanupFailure(result.Error, err)
	}
	result.Timing.Delete = secondsSince(deleteStart)

	result.Timing.Total = secondsSince(start)
	s.logger.Info("pipeline finished",
		"fileName", item.FileName,
		"identity", result.Identity,
		"success", result.Success,
		"totalSeconds", result.Timing.Total)
	return result
}

// appendCleanupFailure folds a delete error into the result error without
// changing the run's outcome.
func appendCleanupFailure(existing string, err error) string {
	msg := phaseMessage(PhaseDelete, err)
	if existing == "" {
		return "warning: " + msg
	}
	return existing + "; " + msg
}

func phaseMessage(phase string, err error) string {
	return (&PhaseError{Phase: phase, Err: err}).Error()
}

// remoteDocumentName derives the name the remote document is created under:
// the original filename reduced to a safe charset, plus a millisecond
// timestamp so retried or duplicate uploads never collide.
func remoteDocumentName(fileName string) string {
	return fmt.Sprintf("%s_%d", sanitizeFileName(fileName), time.Now().UnixMilli())
}

func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}

func secondsSince(t time.Time) float64 {
	return time.Since(t).Seconds()
}
