package studies

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var studyColumns = []string{
	"study_id", "patient_id", "study_description", "source_bucket", "source_key", "datastore_id",
	"import_job_id", "status", "processing_stage", "image_set_id", "classification", "error_detail",
	"submitted_at", "completed_at",
}

func newMockRepo(t *testing.T) (*PGRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGRepo{DB: db}, mock
}

func TestPGRepoCreate(t *testing.T) {
	repo, mock := newMockRepo(t)

	study := Study{
		ID:              "STUDY-abc123def456",
		PatientID:       "patient-1",
		SourceBucket:    "uploads",
		SourceKey:       "patient-1/series/slice-001.dcm",
		DatastoreID:     "datastore-1",
		Status:          StatusSubmitted,
		ProcessingStage: StageIngestion,
		SubmittedAt:     time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO studies").
		WithArgs(
			study.ID,
			study.PatientID,
			study.StudyDescription,
			study.SourceBucket,
			study.SourceKey,
			study.DatastoreID,
			nil,
			study.Status,
			study.ProcessingStage,
			study.SubmittedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Create(context.Background(), study); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoCreateConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO studies").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Create(context.Background(), Study{ID: "STUDY-dup", PatientID: "patient-1", Status: StatusSubmitted})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPGRepoGetByIDDecodesClassification(t *testing.T) {
	repo, mock := newMockRepo(t)

	submitted := time.Now().UTC()
	completed := submitted.Add(2 * time.Minute)
	rows := sqlmock.NewRows(studyColumns).AddRow(
		"STUDY-abc123def456", "patient-1", "plain head ct", "uploads", "patient-1/series/slice-001.dcm", "datastore-1",
		"job-1", StatusReady, StageAnalysisReady, "img-1",
		`{"modality":"CT","region":"BRAIN/HEAD","confidenceBasis":"statistic"}`, nil,
		submitted, completed,
	)
	mock.ExpectQuery("SELECT (.+) FROM studies").
		WithArgs("STUDY-abc123def456").
		WillReturnRows(rows)

	study, err := repo.GetByID(context.Background(), "STUDY-abc123def456")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if study.Status != StatusReady || study.ImageSetID != "img-1" {
		t.Fatalf("unexpected study %+v", study)
	}
	if study.Classification == nil || study.Classification.Region != "BRAIN/HEAD" {
		t.Fatalf("expected classification, got %+v", study.Classification)
	}
	if study.CompletedAt == nil {
		t.Fatalf("expected completedAt")
	}
}

func TestPGRepoGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM studies").
		WithArgs("STUDY-missing").
		WillReturnRows(sqlmock.NewRows(studyColumns))

	_, err := repo.GetByID(context.Background(), "STUDY-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoTransition(t *testing.T) {
	repo, mock := newMockRepo(t)

	jobID := "job-1"
	mock.ExpectExec("UPDATE studies").
		WithArgs(
			"STUDY-abc123def456",
			StatusSubmitted,
			StatusImporting,
			StageImporting,
			sqlmock.AnyArg(), // import_job_id
			nil,              // image_set_id
			nil,              // classification
			nil,              // error_detail
			nil,              // completed_at
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Transition(context.Background(), "STUDY-abc123def456", StatusSubmitted, StatusUpdate{
		Status:      StatusImporting,
		Stage:       StageImporting,
		ImportJobID: &jobID,
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoTransitionRejectsIllegalMove(t *testing.T) {
	repo, mock := newMockRepo(t)

	// The guard fires before any statement runs.
	err := repo.Transition(context.Background(), "STUDY-abc123def456", StatusReady, StatusUpdate{Status: StatusImporting})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoTransitionLostRace(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE studies").
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows(studyColumns).AddRow(
		"STUDY-abc123def456", "patient-1", "", "uploads", "k", "datastore-1",
		"job-1", StatusReady, StageAnalysisReady, "img-1", nil, nil,
		time.Now().UTC(), time.Now().UTC(),
	)
	mock.ExpectQuery("SELECT (.+) FROM studies").
		WillReturnRows(rows)

	err := repo.Transition(context.Background(), "STUDY-abc123def456", StatusImporting, StatusUpdate{Status: StatusReady})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestPGRepoTransitionMissingStudy(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE studies").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM studies").
		WillReturnRows(sqlmock.NewRows(studyColumns))

	err := repo.Transition(context.Background(), "STUDY-missing", StatusImporting, StatusUpdate{Status: StatusReady})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoUpdateStage(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE studies").
		WithArgs("STUDY-abc123def456", "in_progress").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateStage(context.Background(), "STUDY-abc123def456", "in_progress"); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}

	mock.ExpectExec("UPDATE studies").
		WithArgs("STUDY-missing", "in_progress").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.UpdateStage(context.Background(), "STUDY-missing", "in_progress"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
