package imaging

import (
	"fmt"
	"strings"
)

// MapStatus translates a provider status string into the internal vocabulary.
// Unrecognized statuses map to StatusFailed with a diagnostic error so an
// unexpected provider value is never treated as success.
func MapStatus(raw string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUBMITTED":
		return StatusSubmitted, nil
	case "IN_PROGRESS":
		return StatusInProgress, nil
	case "COMPLETING":
		// Transient tail of a healthy import; keep polling.
		return StatusInProgress, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "FAILED", "CANCELLED":
		return StatusFailed, nil
	default:
		return StatusFailed, fmt.Errorf("%w: %q", ErrUnknownJobStatus, raw)
	}
}

// IsTerminal reports whether a job status will never change again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
