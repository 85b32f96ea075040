package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 24-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 24)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// NewJobID returns a fresh locally-assigned job identifier.
func NewJobID() string {
	return "job_" + Generate()
}

// HistoryJobID returns the stable synthetic job id used when replaying a
// thread turn that has no locally-bound job.
func HistoryJobID(threadID, turnID string) string {
	return fmt.Sprintf("hist_%s_%s", threadID, turnID)
}
