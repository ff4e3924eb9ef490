package models

// WorkItem is one unit of OCR work. JSON callers supply the payload in Base64
// (optionally as a data URI); the upload endpoint fills Payload directly.
// Validation decodes Base64 into Payload before the pipeline runs.
type WorkItem struct {
	FileName string
	MimeType string
	Payload  []byte
	Base64   string
}

// Timing holds the per-phase durations of one pipeline run, in seconds.
// Fields are declared in the order the phases execute.
type Timing struct {
	Auth             float64 `json:"auth"`
	UploadAndConvert float64 `json:"upload_and_convert"`
	Export           float64 `json:"export"`
	Delete           float64 `json:"delete"`
	Total            float64 `json:"total"`
}

// Result is the per-item outcome reported to API callers. Exactly one of
// Text and Error is meaningfully populated, except when cleanup of the
// remote document failed after a successful export; then Success stays true
// and Error carries the leak warning.
type Result struct {
	FileName string `json:"fileName"`
	Success  bool   `json:"success"`
	Text     string `json:"text"`
	Error    string `json:"error"`
	Identity string `json:"identity,omitempty"`
	Timing   Timing `json:"timing"`
}

// BatchMeta describes one batch invocation.
type BatchMeta struct {
	ProcessedCount      int     `json:"processedCount"`
	BatchProcessingTime float64 `json:"batchProcessingTime"`
}

// BatchResult pairs the per-item results, in input order, with batch
// metadata.
type BatchResult struct {
	Meta    BatchMeta `json:"meta"`
	Results []Result  `json:"results"`
}

// OCRRequest is one element of the POST /ocr/base64 body. The endpoint
// accepts either a single object or an array of them.
type OCRRequest struct {
	ImageBase64      string `json:"imageBase64"`
	OriginalFileName string `json:"originalFileName"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Identities    int     `json:"identities"`
}
