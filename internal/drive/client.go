package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"google.golang.org/api/googleapi"

	"ocrgateway/internal/utils"
)

const (
	defaultUploadURL = "https://www.googleapis.com/upload/drive/v3/files"
	defaultFilesURL  = "https://www.googleapis.com/drive/v3/files"

	// convertMimeType asks Drive to convert the upload into a native Google
	// Doc, which is what makes it run OCR on image and PDF payloads.
	convertMimeType = "application/vnd.google-apps.document"

	exportMimeType = "text/plain"
)

// Client covers the three Drive v3 calls this service needs: multipart
// create-with-convert, plain-text export, and delete.
type Client struct {
	httpClient  *http.Client
	logger      *utils.Logger
	uploadURL   string
	filesURL    string
	ocrLanguage string
}

type createMetadata struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

type createResponse struct {
	ID string `json:"id"`
}

func NewClient(timeout time.Duration, ocrLanguage string, logger *utils.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.Named("drive"),
		uploadURL:   defaultUploadURL,
		filesURL:    defaultFilesURL,
		ocrLanguage: ocrLanguage,
	}
}

// NewClientForTests builds a client aimed at substitute endpoints.
func NewClientForTests(httpClient *http.Client, uploadURL, filesURL, ocrLanguage string, logger *utils.Logger) *Client {
	return &Client{
		httpClient:  httpClient,
		logger:      logger.Named("drive"),
		uploadURL:   uploadURL,
		filesURL:    filesURL,
		ocrLanguage: ocrLanguage,
	}
}

// UploadAndConvert creates a Drive file from the payload and asks Drive to
// convert it into a Google Doc on the way in. It returns the id of the new
// remote document.
func (c *Client) UploadAndConvert(ctx context.Context, token, name, mimeType string, payload []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := writer.CreatePart(metaHeader)
	if err != nil {
		return "", fmt.Errorf("create metadata part: %w", err)
	}
	metadata := createMetadata{Name: name, MimeType: convertMimeType}
	if err := json.NewEncoder(metaPart).Encode(metadata); err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", mimeType)
	mediaPart, err := writer.CreatePart(mediaHeader)
	if err != nil {
		return "", fmt.Errorf("create media part: %w", err)
	}
	if _, err := mediaPart.Write(payload); err != nil {
		return "", fmt.Errorf("write media part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finish multipart body: %w", err)
	}

	query := url.Values{}
	query.Set("uploadType", "multipart")
	query.Set("fields", "id")
	if c.ocrLanguage != "" {
		query.Set("ocrLanguage", c.ocrLanguage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"?"+query.Encode(), body)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return "", fmt.Errorf("drive create: %w", err)
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("drive create response has no file id")
	}

	c.logger.Debug("created remote document", "fileId", created.ID, "name", name)
	return created.ID, nil
}

// ExportText downloads the converted document as plain text.
func (c *Client) ExportText(ctx context.Context, token, fileID string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/export?mimeType=%s", c.filesURL, url.PathEscape(fileID), url.QueryEscape(exportMimeType))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create export request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("export request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return "", fmt.Errorf("drive export: %w", err)
	}

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read export body: %w", err)
	}
	return string(text), nil
}

// Delete removes the remote document.
func (c *Client) Delete(ctx context.Context, token, fileID string) error {
	endpoint := c.filesURL + "/" + url.PathEscape(fileID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return fmt.Errorf("drive delete: %w", err)
	}
	return nil
}
