package studies

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"imaging-backend/internal/classify"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

// Create inserts a new study record.
func (r *PGRepo) Create(ctx context.Context, study Study) error {
	const query = `
INSERT INTO studies (
    study_id,
    patient_id,
    study_description,
    source_bucket,
    source_key,
    datastore_id,
    import_job_id,
    status,
    processing_stage,
    image_set_id,
    classification,
    error_detail,
    submitted_at,
    completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, NULL, NULL, $10, NULL)
ON CONFLICT (study_id) DO NOTHING`

	var importJobID sql.NullString
	if study.ImportJobID != "" {
		importJobID = sql.NullString{String: study.ImportJobID, Valid: true}
	}

	res, err := r.DB.ExecContext(
		ctx,
		query,
		study.ID,
		study.PatientID,
		study.StudyDescription,
		study.SourceBucket,
		study.SourceKey,
		study.DatastoreID,
		importJobID,
		study.Status,
		study.ProcessingStage,
		study.SubmittedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

const selectColumns = `
SELECT study_id, patient_id, study_description, source_bucket, source_key, datastore_id,
       import_job_id, status, processing_stage, image_set_id, classification, error_detail,
       submitted_at, completed_at
FROM studies`

// GetByID returns a study record by ID.
func (r *PGRepo) GetByID(ctx context.Context, studyID string) (Study, error) {
	const query = selectColumns + `
WHERE study_id = $1`
	return scanStudy(r.DB.QueryRowContext(ctx, query, studyID))
}

// Transition applies a conditional status update. The WHERE clause on the
// prior status is what makes overlapping terminal writes safe: the losing
// writer matches zero rows.
func (r *PGRepo) Transition(ctx context.Context, studyID, fromStatus string, update StatusUpdate) error {
	const query = `
UPDATE studies
SET status = $3,
    processing_stage = COALESCE(NULLIF($4, ''), processing_stage),
    import_job_id = COALESCE($5, import_job_id),
    image_set_id = COALESCE($6, image_set_id),
    classification = COALESCE($7, classification),
    error_detail = COALESCE($8, error_detail),
    completed_at = COALESCE($9, completed_at)
WHERE study_id = $1 AND status = $2`

	if !CanTransition(fromStatus, update.Status) {
		return ErrInvalidStateTransition
	}

	var classificationJSON sql.NullString
	if update.Classification != nil {
		data, err := json.Marshal(update.Classification)
		if err != nil {
			return fmt.Errorf("encode classification: %w", err)
		}
		classificationJSON = sql.NullString{String: string(data), Valid: true}
	}

	var completedAt sql.NullTime
	if update.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *update.CompletedAt, Valid: true}
	}

	res, err := r.DB.ExecContext(
		ctx,
		query,
		studyID,
		fromStatus,
		update.Status,
		update.Stage,
		nullString(update.ImportJobID),
		nullString(update.ImageSetID),
		classificationJSON,
		nullString(update.ErrorDetail),
		completedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing record from a lost status race.
		if _, getErr := r.GetByID(ctx, studyID); getErr != nil {
			return getErr
		}
		return ErrPreconditionFailed
	}
	return nil
}

// UpdateStage writes the processing-stage mirror.
func (r *PGRepo) UpdateStage(ctx context.Context, studyID, stage string) error {
	const query = `
UPDATE studies
SET processing_stage = $2
WHERE study_id = $1`

	res, err := r.DB.ExecContext(ctx, query, studyID, stage)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByPatient returns a patient's studies, newest first.
func (r *PGRepo) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]Study, error) {
	const query = selectColumns + `
WHERE patient_id = $1
ORDER BY submitted_at DESC
LIMIT $2 OFFSET $3`

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.DB.QueryContext(ctx, query, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Study{}
	for rows.Next() {
		study, err := scanStudy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, study)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudy(row rowScanner) (Study, error) {
	var study Study
	var importJobID sql.NullString
	var imageSetID sql.NullString
	var classificationJSON sql.NullString
	var errorDetail sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&study.ID,
		&study.PatientID,
		&study.StudyDescription,
		&study.SourceBucket,
		&study.SourceKey,
		&study.DatastoreID,
		&importJobID,
		&study.Status,
		&study.ProcessingStage,
		&imageSetID,
		&classificationJSON,
		&errorDetail,
		&study.SubmittedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Study{}, ErrNotFound
		}
		return Study{}, err
	}

	if importJobID.Valid {
		study.ImportJobID = importJobID.String
	}
	if imageSetID.Valid {
		study.ImageSetID = imageSetID.String
	}
	if classificationJSON.Valid && classificationJSON.String != "" {
		var c classify.Classification
		if err := json.Unmarshal([]byte(classificationJSON.String), &c); err != nil {
			return Study{}, fmt.Errorf("decode classification: %w", err)
		}
		study.Classification = &c
	}
	if errorDetail.Valid {
		study.ErrorDetail = errorDetail.String
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		study.CompletedAt = &at
	}
	return study, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

var _ Repo = (*PGRepo)(nil)
