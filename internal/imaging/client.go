package imaging

import (
	"context"
	"errors"
)

// Status is the internal import-job status vocabulary.
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var (
	ErrUnknownJobStatus = errors.New("unknown import job status")
	ErrJobNotFound      = errors.New("import job not found")
)

// StartImportInput describes a bulk import request. SourceURI must reference
// a folder prefix, not a single object.
type StartImportInput struct {
	DatastoreID   string
	SourceURI     string
	OutputURI     string
	AccessRoleARN string
	JobName       string
}

// StartImportOutput carries the identifier of the started job.
type StartImportOutput struct {
	JobID string
}

// Job is the observed state of an import job.
type Job struct {
	ID         string
	Status     Status
	RawStatus  string
	OutputURI  string
	ImageSetID string
	Message    string
}

// Client talks to the external bulk-import service.
type Client interface {
	StartImport(ctx context.Context, input StartImportInput) (StartImportOutput, error)
	GetJob(ctx context.Context, datastoreID, jobID string) (Job, error)
}
