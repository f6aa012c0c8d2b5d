package studies

import "context"

// Repo defines persistence operations for study records. Create is the only
// insert; everything after submission is an update keyed by study ID.
type Repo interface {
	Create(ctx context.Context, study Study) error
	GetByID(ctx context.Context, studyID string) (Study, error)
	// Transition applies update only when the stored status still equals
	// fromStatus, so overlapping pollers cannot both apply a terminal
	// transition. Losing writers get ErrPreconditionFailed.
	Transition(ctx context.Context, studyID, fromStatus string, update StatusUpdate) error
	// UpdateStage writes the non-authoritative processing_stage mirror.
	UpdateStage(ctx context.Context, studyID, stage string) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]Study, error)
}
