package services

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"ocrgateway/internal/models"
)

// Validate decodes the item's Base64 payload in place and applies the local
// checks: a filename must be present, the payload must decode, the decoded
// size must stay under the ceiling, and PDF payloads must actually parse as
// PDFs. Nothing here talks to the network.
func (s *ocrService) Validate(item *models.WorkItem) error {
	if strings.TrimSpace(item.FileName) == "" {
		return errors.New("originalFileName is required")
	}

	if item.Payload == nil {
		if strings.TrimSpace(item.Base64) == "" {
			return errors.New("imageBase64 is required")
		}
		// A quick length estimate rejects grossly oversized payloads before
		// any decoding work happens.
		if int64(len(item.Base64))/4*3 > s.maxImageBytes {
			return fmt.Errorf("payload exceeds the %d byte limit", s.maxImageBytes)
		}
		payload, declaredMime, err := decodeBase64Payload(item.Base64)
		if err != nil {
			return fmt.Errorf("decode imageBase64: %w", err)
		}
		item.Payload = payload
		if item.MimeType == "" {
			item.MimeType = declaredMime
		}
	}

	if len(item.Payload) == 0 {
		return errors.New("payload is empty")
	}
	if int64(len(item.Payload)) > s.maxImageBytes {
		return fmt.Errorf("payload of %d bytes exceeds the %d byte limit", len(item.Payload), s.maxImageBytes)
	}

	if item.MimeType == "" {
		item.MimeType = detectMimeType(item.FileName, item.Payload)
	}

	if item.MimeType == "application/pdf" {
		if err := checkPDF(item.Payload); err != nil {
			return err
		}
	}
	return nil
}

// decodeBase64Payload decodes a base64 string, tolerating a data URI prefix
// and missing padding. It returns the bytes plus the MIME type declared in
// the data URI, if any.
func decodeBase64Payload(encoded string) ([]byte, string, error) {
	var declaredMime string

	if strings.HasPrefix(encoded, "data:") {
		comma := strings.Index(encoded, ",")
		if comma < 0 {
			return nil, "", errors.New("malformed data URI")
		}
		header := strings.TrimSuffix(encoded[len("data:"):comma], ";base64")
		if semi := strings.Index(header, ";"); semi >= 0 {
			header = header[:semi]
		}
		declaredMime = header
		encoded = encoded[comma+1:]
	}

	encoded = strings.TrimSpace(encoded)
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		payload, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, "", errors.New("invalid base64 data")
	}
	return payload, declaredMime, nil
}

// detectMimeType resolves the payload's MIME type from the filename
// extension, falling back to content sniffing.
func detectMimeType(fileName string, payload []byte) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	}
	return http.DetectContentType(payload)
}

// checkPDF confirms the payload parses as a PDF with at least one page, so
// undecodable bytes never reach the remote converter.
func checkPDF(payload []byte) error {
	reader, err := pdf.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return fmt.Errorf("unreadable pdf payload: %w", err)
	}
	if reader.NumPage() < 1 {
		return errors.New("pdf payload has no pages")
	}
	return nil
}
