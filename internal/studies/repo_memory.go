package studies

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory implementation of Repo.
type MemoryRepo struct {
	mu   sync.RWMutex
	data map[string]Study
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{data: make(map[string]Study)}
}

// Create inserts a new study record.
func (r *MemoryRepo) Create(ctx context.Context, study Study) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[study.ID]; ok {
		return ErrAlreadyExists
	}
	r.data[study.ID] = study
	return nil
}

// GetByID returns a study record by ID.
func (r *MemoryRepo) GetByID(ctx context.Context, studyID string) (Study, error) {
	if err := ctx.Err(); err != nil {
		return Study{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	study, ok := r.data[studyID]
	if !ok {
		return Study{}, ErrNotFound
	}
	return study, nil
}

// Transition applies a conditional status update.
func (r *MemoryRepo) Transition(ctx context.Context, studyID, fromStatus string, update StatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !CanTransition(fromStatus, update.Status) {
		return ErrInvalidStateTransition
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	study, ok := r.data[studyID]
	if !ok {
		return ErrNotFound
	}
	if study.Status != fromStatus {
		return ErrPreconditionFailed
	}

	study.Status = update.Status
	if update.Stage != "" {
		study.ProcessingStage = update.Stage
	}
	if update.ImportJobID != nil {
		study.ImportJobID = *update.ImportJobID
	}
	if update.ImageSetID != nil {
		study.ImageSetID = *update.ImageSetID
	}
	if update.Classification != nil {
		c := *update.Classification
		study.Classification = &c
	}
	if update.ErrorDetail != nil {
		study.ErrorDetail = *update.ErrorDetail
	}
	if update.CompletedAt != nil {
		at := *update.CompletedAt
		study.CompletedAt = &at
	}
	r.data[studyID] = study
	return nil
}

// UpdateStage writes the processing-stage mirror.
func (r *MemoryRepo) UpdateStage(ctx context.Context, studyID, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	study, ok := r.data[studyID]
	if !ok {
		return ErrNotFound
	}
	study.ProcessingStage = stage
	r.data[studyID] = study
	return nil
}

// ListByPatient returns a patient's studies, newest first, honoring limit/offset.
func (r *MemoryRepo) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]Study, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	r.mu.RLock()
	var matched []Study
	for _, study := range r.data {
		if study.PatientID == patientID {
			matched = append(matched, study)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
	})

	if offset >= len(matched) {
		return []Study{}, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}

var _ Repo = (*MemoryRepo)(nil)
