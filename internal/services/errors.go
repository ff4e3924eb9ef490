package services

// Pipeline phase names. They appear in Result timings and as the prefix of
// phase-tagged errors, so callers can tell where a run failed.
const (
	PhaseValidate = "validate"
	PhaseAuth     = "auth"
	PhaseUpload   = "upload_and_convert"
	PhaseExport   = "export"
	PhaseDelete   = "delete"
)

// PhaseError tags an error with the pipeline phase it occurred in.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return e.Phase + ": " + e.Err.Error()
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
