package script

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hpcrun/hpcrun/internal/models"
)

// ParseSnapshot decodes a status.json document fetched from a job
// directory.
func ParseSnapshot(data []byte) (*models.StatusSnapshot, error) {
	var snap models.StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing status report: %w", err)
	}
	return &snap, nil
}

// ValidStatusLiteral reports whether a snapshot status field holds a
// real terminal value. A leftover "$JOB_STATUS" (or any other
// unexpanded shell token) means the script crashed before
// substitution and the field cannot be trusted.
func ValidStatusLiteral(s string) bool {
	if strings.Contains(s, "$") {
		return false
	}
	switch models.JobStatus(s) {
	case models.StatusCompleted, models.StatusFailed:
		return true
	}
	return false
}
