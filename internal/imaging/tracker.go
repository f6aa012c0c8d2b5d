package imaging

import (
	"context"
	"errors"
	"strings"

	"imaging-backend/internal/shared/telemetry"
)

// StageStore persists the non-authoritative status mirror on a study record.
type StageStore interface {
	UpdateStage(ctx context.Context, studyID, stage string) error
}

// Tracker queries the external import job and mirrors the observed provider
// status onto the study record for observability. It holds no state of its
// own; the authoritative status transition is the caller's job.
type Tracker struct {
	Client Client
	Stages StageStore
}

// CheckStatus fetches the import job and records what it saw. When the
// provider returns an unrecognized status the job comes back FAILED together
// with an ErrUnknownJobStatus diagnostic.
func (t *Tracker) CheckStatus(ctx context.Context, studyID, datastoreID, jobID string) (Job, error) {
	job, err := t.Client.GetJob(ctx, datastoreID, jobID)
	if err != nil && !errors.Is(err, ErrUnknownJobStatus) {
		return Job{}, err
	}

	if t.Stages != nil {
		stage := strings.ToLower(strings.TrimSpace(job.RawStatus))
		if stage != "" {
			// Mirror only; a failed write must not mask the job status.
			if stageErr := t.Stages.UpdateStage(ctx, studyID, stage); stageErr != nil {
				telemetry.Error("import.stage_mirror_failed", map[string]any{
					"study_id":      studyID,
					"import_job_id": jobID,
					"error":         stageErr.Error(),
				})
			}
		}
	}

	return job, err
}
