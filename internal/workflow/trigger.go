package workflow

import "context"

// PollInput is the payload handed to the external polling process when a
// study starts importing.
type PollInput struct {
	StudyID     string `json:"studyId"`
	PatientID   string `json:"patientId"`
	ImportJobID string `json:"importJobId"`
	DatastoreID string `json:"datastoreId"`
	RequestID   string `json:"requestId,omitempty"`
}

// Trigger kicks off the external process that repeatedly polls a study until
// its import job finishes. Fire-and-forget: the core consumes no result.
type Trigger interface {
	Start(ctx context.Context, name string, input PollInput) error
}

// Noop is a Trigger that does nothing, for deployments where polling is
// driven out-of-band (cron, manual, tests).
type Noop struct{}

func (Noop) Start(ctx context.Context, name string, input PollInput) error { return nil }

var _ Trigger = Noop{}
