package utils

import "github.com/google/uuid"

// GenerateID returns a unique identifier used to correlate the log entries of
// one request.
func GenerateID() string {
	return uuid.NewString()
}
