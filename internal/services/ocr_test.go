package services

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"ocrgateway/internal/auth"
	"ocrgateway/internal/config"
	"ocrgateway/internal/credentials"
	"ocrgateway/internal/models"
	"ocrgateway/internal/utils"
)

type fakeSessions struct {
	mu         sync.Mutex
	acquired   int
	released   int
	acquireErr error
}

func (f *fakeSessions) Acquire(ctx context.Context) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return &auth.Session{
		Identity:  &credentials.Identity{ClientEmail: "sa@project.iam.gserviceaccount.com"},
		Token:     "tok-1",
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeSessions) Release(session *auth.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeSessions) counts() (acquired, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

type fakeRemote struct {
	mu            sync.Mutex
	uploads       int
	exports       int
	deletes       int
	uploadedNames []string
	inFlight      int
	peakInFlight  int
	uploadDelay   time.Duration

	uploadErr error
	exportErr error
	deleteErr error
	text      string
}

func (f *fakeRemote) UploadAndConvert(ctx context.Context, token, name, mimeType string, payload []byte) (string, error) {
	f.mu.Lock()
	f.uploads++
	f.uploadedNames = append(f.uploadedNames, name)
	f.inFlight++
	if f.inFlight > f.peakInFlight {
		f.peakInFlight = f.inFlight
	}
	delay := f.uploadDelay
	err := f.uploadErr
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	return "file-1", nil
}

func (f *fakeRemote) ExportText(ctx context.Context, token, fileID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports++
	if f.exportErr != nil {
		return "", f.exportErr
	}
	if f.text != "" {
		return f.text, nil
	}
	return "recognized text", nil
}

func (f *fakeRemote) Delete(ctx context.Context, token, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.deleteErr
}

func testLogger() *utils.Logger {
	return utils.NewLogger("error")
}

func newTestService(sessions *fakeSessions, remote *fakeRemote) OCRService {
	cfg := &config.Config{
		MaxImageBytes:    10 * 1024 * 1024,
		MaxConcurrentOCR: 4,
	}
	return NewService(sessions, remote, cfg, testLogger())
}

func pngItem(fileName string) models.WorkItem {
	return models.WorkItem{
		FileName: fileName,
		MimeType: "image/png",
		Payload:  []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x01},
	}
}

func TestProcessSuccess(t *testing.T) {
	sessions := &fakeSessions{}
	remote := &fakeRemote{text: "hello from the scan"}
	svc := newTestService(sessions, remote)

	result := svc.Process(context.Background(), pngItem("scan.png"))

	if !result.Success {
		t.Fatalf("Success = false, error = %q", result.Error)
	}
	if result.Text != "hello from the scan" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Error != "" {
		t.Errorf("Error = %q, want empty", result.Error)
	}
	if result.Identity != "sa@project.iam.gserviceaccount.com" {
		t.Errorf("Identity = %q", result.Identity)
	}
	if result.FileName != "scan.png" {
		t.Errorf("FileName = %q", result.FileName)
	}
	if remote.deletes != 1 {
		t.Errorf("deletes = %d, want 1", remote.deletes)
	}
	if _, released := sessions.counts(); released != 1 {
		t.Errorf("released = %d, want 1", released)
	}
	if result.Timing.Total <= 0 {
		t.Errorf("Timing.Total = %v, want > 0", result.Timing.Total)
	}
	for phase, v := range map[string]float64{
		"auth":               result.Timing.Auth,
		"upload_and_convert": result.Timing.UploadAndConvert,
		"export":             result.Timing.Export,
		"delete":             result.Timing.Delete,
	} {
		if v < 0 {
			t.Errorf("Timing.%s = %v, want >= 0", phase, v)
		}
	}
}

func TestProcessReleasesSessionOnUploadFailure(t *testing.T) {
	sessions := &fakeSessions{}
	remote := &fakeRemote{uploadErr: errors.New("quota exhausted")}
	svc := newTestService(sessions, remote)

	result := svc.Process(context.Background(), pngItem("scan.png"))

	if result.Success {
		t.Fatal("Success = true, want false")
	}
	if !strings.Contains(result.Error, "upload_and_convert: ") {
		t.Errorf("Error = %q, want upload phase tag", result.Error)
	}
	if remote.exports != 0 || remote.deletes != 0 {
		t.Errorf("exports = %d, deletes = %d, want 0 after upload failure", remote.exports, remote.deletes)
	}
	if _, released := sessions.counts(); released != 1 {
		t.Errorf("released = %d, want 1", released)
	}
}

func TestProcessDeletesAfterExportFailure(t *testing.T) {
	sessions := &fakeSessions{}
	remote := &fakeRemote{exportErr: errors.New("export unavailable")}
	svc := newTestService(sessions, remote)

	result := svc.Process(context.Background(), pngItem("scan.png"))

	if result.Success {
		t.Fatal("Success = true, want false")
	}
	if !strings.Contains(result.Error, "export: ") {
		t.Errorf("Error = %q, want export phase tag", result.Error)
	}
	if remote.deletes != 1 {
		t.Errorf("deletes = %d, want 1 even when export fails", remote.deletes)
	}
}

func TestProcessCleanupFailureKeepsSuccess(t *testing.T) {
	sessions := &fakeSessions{}
	remote := &fakeRemote{text: "kept text", deleteErr: errors.New("delete forbidden")}
	svc := newTestService(sessions, remote)

	result := svc.Process(context.Background(), pngItem("scan.png"))

	if !result.Success {
		t.Fatal("Success = false, a leaked document must not fail the run")
	}
	if result.Text != "kept text" {
		t.Errorf("Text = %q", result.Text)
	}
	if !strings.HasPrefix(result.Error, "warning: delete: ") {
		t.Errorf("Error = %q, want leak warning", result.Error)
	}
}

func TestProcessCleanupFailureAppendsToExportError(t *testing.T) {
	sessions := &fakeSessions{}
	remote := &fakeRemote{
		exportErr: errors.New("export unavailable"),
		deleteErr: errors.New("delete forbidden"),
	}
	svc := newTestService(sessions, remote)

	result := svc.Process(context.Background(), pngItem("scan.png"))

	if result.Success {
		t.Fatal("Success = true, want false")
	}
	if !strings.Contains(result.Error, "export: ") || !strings.Contains(result.Error, "; delete: ") {
		t.Errorf("Error = %q, want both failures recorded", result.Error)
	}
}

func TestProcessAuthFailure(t *testing.T) {
	sessions := &fakeSessions{acquireErr: errors.New("all identities rejected")}
	remote := &fakeRemote{}
	svc := newTestService(sessions, remote)

	result := svc.Process(context.Background(), pngItem("scan.png"))

	if result.Success {
		t.Fatal("Success = true, want false")
	}
	if !strings.Contains(result.Error, "auth: ") {
		t.Errorf("Error = %q, want auth phase tag", result.Error)
	}
	if result.Identity != "" {
		t.Errorf("Identity = %q, want empty", result.Identity)
	}
	if remote.uploads != 0 {
		t.Errorf("uploads = %d, want 0", remote.uploads)
	}
	if _, released := sessions.counts(); released != 0 {
		t.Errorf("released = %d, want 0 when no session was acquired", released)
	}
}

func TestProcessSendsSanitizedRemoteName(t *testing.T) {
	sessions := &fakeSessions{}
	remote := &fakeRemote{}
	svc := newTestService(sessions, remote)

	item := pngItem("Meeting Notes (draft)/v2.png")
	result := svc.Process(context.Background(), item)

	if result.FileName != "Meeting Notes (draft)/v2.png" {
		t.Errorf("Result.FileName = %q, want original name untouched", result.FileName)
	}
	if len(remote.uploadedNames) != 1 {
		t.Fatalf("uploads = %d, want 1", len(remote.uploadedNames))
	}
	name := remote.uploadedNames[0]
	if !regexp.MustCompile(`^[A-Za-z0-9._-]+_\d+$`).MatchString(name) {
		t.Errorf("remote name %q contains unsafe characters or no timestamp", name)
	}
	if !strings.HasPrefix(name, "Meeting_Notes__draft__v2.png_") {
		t.Errorf("remote name = %q", name)
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	sessions := &fakeSessions{}
	remote := &fakeRemote{}
	svc := newTestService(sessions, remote)

	items := []models.WorkItem{
		pngItem("first.png"),
		{FileName: "second.png"}, // no payload at all
		pngItem("third.png"),
	}

	batch := svc.ProcessBatch(context.Background(), items)

	if batch.Meta.ProcessedCount != 3 {
		t.Errorf("ProcessedCount = %d, want 3", batch.Meta.ProcessedCount)
	}
	if len(batch.Results) != 3 {
		t.Fatalf("len(Results) = %d, want 3", len(batch.Results))
	}

	for i, wantName := range []string{"first.png", "second.png", "third.png"} {
		if batch.Results[i].FileName != wantName {
			t.Errorf("Results[%d].FileName = %q, want %q (input order)", i, batch.Results[i].FileName, wantName)
		}
	}
	if !batch.Results[0].Success || !batch.Results[2].Success {
		t.Error("valid siblings failed alongside the invalid item")
	}
	if batch.Results[1].Success {
		t.Error("invalid item reported success")
	}
	if !strings.Contains(batch.Results[1].Error, "validate: ") {
		t.Errorf("Results[1].Error = %q, want validation tag", batch.Results[1].Error)
	}
	if remote.uploads != 2 {
		t.Errorf("uploads = %d, want 2 (invalid item must not reach the remote)", remote.uploads)
	}
}

func TestProcessBatchEmptyInput(t *testing.T) {
	svc := newTestService(&fakeSessions{}, &fakeRemote{})

	batch := svc.ProcessBatch(context.Background(), nil)

	if batch.Meta.ProcessedCount != 0 {
		t.Errorf("ProcessedCount = %d, want 0", batch.Meta.ProcessedCount)
	}
	if len(batch.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1 synthetic failure", len(batch.Results))
	}
	if batch.Results[0].Success {
		t.Error("synthetic result reports success")
	}
	if batch.Results[0].Error == "" {
		t.Error("synthetic result has no error message")
	}
}

func TestProcessBatchBoundsConcurrency(t *testing.T) {
	sessions := &fakeSessions{}
	remote := &fakeRemote{uploadDelay: 30 * time.Millisecond}
	cfg := &config.Config{
		MaxImageBytes:    10 * 1024 * 1024,
		MaxConcurrentOCR: 2,
	}
	svc := NewService(sessions, remote, cfg, testLogger())

	items := make([]models.WorkItem, 6)
	for i := range items {
		items[i] = pngItem("scan.png")
	}

	batch := svc.ProcessBatch(context.Background(), items)

	if len(batch.Results) != 6 {
		t.Fatalf("len(Results) = %d, want 6", len(batch.Results))
	}
	if remote.peakInFlight > 2 {
		t.Errorf("peak concurrent uploads = %d, want <= 2", remote.peakInFlight)
	}
}

func TestValidateDecodesDataURI(t *testing.T) {
	svc := newTestService(&fakeSessions{}, &fakeRemote{})
	raw := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	item := models.WorkItem{
		FileName: "scan.png",
		Base64:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw),
	}

	if err := svc.Validate(&item); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if string(item.Payload) != string(raw) {
		t.Errorf("Payload = %v, want decoded bytes", item.Payload)
	}
	if item.MimeType != "image/png" {
		t.Errorf("MimeType = %q, want image/png", item.MimeType)
	}
}

func TestValidateRejectsBadBase64(t *testing.T) {
	svc := newTestService(&fakeSessions{}, &fakeRemote{})
	item := models.WorkItem{FileName: "scan.png", Base64: "!!!not-base64!!!"}

	if err := svc.Validate(&item); err == nil {
		t.Fatal("Validate() error = nil, want decode failure")
	}
}

func TestValidateRejectsMissingFileName(t *testing.T) {
	svc := newTestService(&fakeSessions{}, &fakeRemote{})
	item := models.WorkItem{Base64: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}

	if err := svc.Validate(&item); err == nil {
		t.Fatal("Validate() error = nil, want missing filename")
	}
}

func TestValidateRejectsOversizedPayload(t *testing.T) {
	cfg := &config.Config{MaxImageBytes: 8, MaxConcurrentOCR: 1}
	svc := NewService(&fakeSessions{}, &fakeRemote{}, cfg, testLogger())

	item := models.WorkItem{FileName: "big.png", Payload: make([]byte, 100)}
	err := svc.Validate(&item)
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("Validate() error = %v, want size rejection", err)
	}
}

func TestValidateRejectsCorruptPDF(t *testing.T) {
	svc := newTestService(&fakeSessions{}, &fakeRemote{})
	item := models.WorkItem{
		FileName: "scan.pdf",
		MimeType: "application/pdf",
		Payload:  []byte("this is definitely not a pdf document"),
	}

	if err := svc.Validate(&item); err == nil {
		t.Fatal("Validate() error = nil, want pdf parse failure")
	}
}

func TestValidateDetectsMimeFromExtension(t *testing.T) {
	svc := newTestService(&fakeSessions{}, &fakeRemote{})
	item := models.WorkItem{FileName: "photo.JPG", Payload: []byte{0xff, 0xd8, 0xff, 0xe0}}

	if err := svc.Validate(&item); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if item.MimeType != "image/jpeg" {
		t.Errorf("MimeType = %q, want image/jpeg", item.MimeType)
	}
}
