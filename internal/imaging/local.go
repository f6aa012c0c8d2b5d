package imaging

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// LocalClient is an in-process import client for development and tests. Jobs
// complete after a configurable number of status checks.
type LocalClient struct {
	mu             sync.Mutex
	jobs           map[string]*localJob
	ChecksToFinish int
}

type localJob struct {
	datastoreID string
	outputURI   string
	checks      int
}

// NewLocalClient constructs a LocalClient whose jobs complete on the first
// status check.
func NewLocalClient() *LocalClient {
	return &LocalClient{jobs: make(map[string]*localJob), ChecksToFinish: 1}
}

// StartImport registers an in-memory job.
func (c *LocalClient) StartImport(ctx context.Context, input StartImportInput) (StartImportOutput, error) {
	if err := ctx.Err(); err != nil {
		return StartImportOutput{}, err
	}
	jobID := strings.ReplaceAll(uuid.NewString(), "-", "")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[jobID] = &localJob{
		datastoreID: input.DatastoreID,
		outputURI:   input.OutputURI,
	}
	return StartImportOutput{JobID: jobID}, nil
}

// GetJob advances the fake job one check and reports its status.
func (c *LocalClient) GetJob(ctx context.Context, datastoreID, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok || job.datastoreID != datastoreID {
		return Job{}, fmt.Errorf("%w: job=%s", ErrJobNotFound, jobID)
	}

	job.checks++
	if job.checks < c.ChecksToFinish {
		return Job{ID: jobID, Status: StatusInProgress, RawStatus: string(StatusInProgress), OutputURI: job.outputURI}, nil
	}
	return Job{ID: jobID, Status: StatusCompleted, RawStatus: string(StatusCompleted), OutputURI: job.outputURI}, nil
}

var _ Client = (*LocalClient)(nil)
