package common

import (
	"github.com/google/uuid"
)

// NewRunID generates a unique pipeline run ID with the "run_" prefix
// Format: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewDecisionID generates a unique classification decision ID with the
// "dec_" prefix
// Format: dec_<uuid>
func NewDecisionID() string {
	return "dec_" + uuid.New().String()
}
