package studies

import (
	"time"

	"imaging-backend/internal/classify"
)

// Study statuses. Transitions only move forward along the graph in
// allowedTransitions; a record never regresses.
const (
	StatusSubmitted = "SUBMITTED"
	StatusImporting = "IMPORTING"
	StatusReady     = "READY_FOR_ANALYSIS"
	StatusFailed    = "FAILED"
)

// Processing-stage labels. Non-authoritative observability mirror of status.
const (
	StageIngestion      = "ingestion"
	StageImporting      = "importing"
	StageClassification = "classification"
	StageAnalysisReady  = "analysis_ready"
	StageFailed         = "failed"
)

// Study is one patient imaging submission tracked end-to-end.
type Study struct {
	ID               string                   `json:"studyId"`
	PatientID        string                   `json:"patientId"`
	StudyDescription string                   `json:"studyDescription,omitempty"`
	SourceBucket     string                   `json:"sourceBucket"`
	SourceKey        string                   `json:"sourceKey"`
	DatastoreID      string                   `json:"datastoreId,omitempty"`
	ImportJobID      string                   `json:"importJobId,omitempty"`
	Status           string                   `json:"status"`
	ProcessingStage  string                   `json:"processingStage,omitempty"`
	ImageSetID       string                   `json:"imageSetId,omitempty"`
	Classification   *classify.Classification `json:"classification,omitempty"`
	ErrorDetail      string                   `json:"error,omitempty"`
	SubmittedAt      time.Time                `json:"submittedAt"`
	CompletedAt      *time.Time               `json:"completedAt,omitempty"`
}

// IsTerminal reports whether the study has reached a final status.
func (s Study) IsTerminal() bool {
	return s.Status == StatusReady || s.Status == StatusFailed
}

// PollResult is the reconciliation outcome handed back to the external
// polling scheduler.
type PollResult struct {
	StudyID     string `json:"studyId"`
	Status      string `json:"status"`
	IsComplete  bool   `json:"isComplete"`
	HasError    bool   `json:"hasError"`
	ImageSetID  string `json:"imageSetId,omitempty"`
	ErrorDetail string `json:"error,omitempty"`
}

// StatusUpdate carries the fields a conditional transition may set. Nil
// pointers leave the stored value untouched.
type StatusUpdate struct {
	Status         string
	Stage          string
	ImportJobID    *string
	ImageSetID     *string
	Classification *classify.Classification
	ErrorDetail    *string
	CompletedAt    *time.Time
}

var allowedTransitions = map[string][]string{
	StatusSubmitted: {StatusImporting, StatusFailed},
	StatusImporting: {StatusReady, StatusFailed},
}

// CanTransition reports whether from→to is a legal status transition.
func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
