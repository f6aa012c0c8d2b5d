package studies

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"imaging-backend/internal/classify"
	"imaging-backend/internal/imaging"
	"imaging-backend/internal/shared/storage/object/local"
	"imaging-backend/internal/workflow"
)

type stubImporter struct {
	mu       sync.Mutex
	startErr error
	started  []imaging.StartImportInput
	job      imaging.Job
	jobErr   error
	getCalls int
}

func (s *stubImporter) StartImport(ctx context.Context, input imaging.StartImportInput) (imaging.StartImportOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, input)
	if s.startErr != nil {
		return imaging.StartImportOutput{}, s.startErr
	}
	return imaging.StartImportOutput{JobID: "job-1"}, nil
}

func (s *stubImporter) GetJob(ctx context.Context, datastoreID, jobID string) (imaging.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	return s.job, s.jobErr
}

type stubTrigger struct {
	names  []string
	inputs []workflow.PollInput
	err    error
}

func (s *stubTrigger) Start(ctx context.Context, name string, input workflow.PollInput) error {
	s.names = append(s.names, name)
	s.inputs = append(s.inputs, input)
	return s.err
}

type decoderFunc func(ctx context.Context, r io.Reader) (classify.Image, error)

func (f decoderFunc) Decode(ctx context.Context, r io.Reader) (classify.Image, error) {
	return f(ctx, r)
}

func staticDecoder(img classify.Image) classify.Decoder {
	return decoderFunc(func(ctx context.Context, r io.Reader) (classify.Image, error) {
		return img, nil
	})
}

func setupService(t *testing.T, importer *stubImporter) (*Service, *MemoryRepo, *stubTrigger) {
	t.Helper()
	store := local.New(t.TempDir())
	if _, err := store.SaveWithKey(context.Background(), "patient-1/series/slice-001.dcm", "application/dicom", bytes.NewReader([]byte("dicom bytes"))); err != nil {
		t.Fatalf("seed source object: %v", err)
	}

	repo := NewMemoryRepo()
	trigger := &stubTrigger{}
	svc := &Service{
		Repo:          repo,
		Store:         store,
		Importer:      importer,
		Tracker:       &imaging.Tracker{Client: importer, Stages: repo},
		Decoder:       staticDecoder(classify.Image{Modality: "CT", BodyPart: "HEAD"}),
		Workflow:      trigger,
		DatastoreID:   "datastore-1",
		OutputPrefix:  "import-output",
		AccessRoleARN: "arn:aws:iam::123456789012:role/import",
	}
	return svc, repo, trigger
}

func submitStudy(t *testing.T, svc *Service) Study {
	t.Helper()
	study, err := svc.Submit(context.Background(), "patient-1", "local", "patient-1/series/slice-001.dcm", "plain head ct")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return study
}

func TestSubmitCreatesImportingStudy(t *testing.T) {
	importer := &stubImporter{}
	svc, repo, trigger := setupService(t, importer)

	study := submitStudy(t, svc)

	if !strings.HasPrefix(study.ID, "STUDY-") {
		t.Fatalf("expected STUDY- prefix, got %q", study.ID)
	}
	if study.Status != StatusImporting {
		t.Fatalf("expected status %s, got %s", StatusImporting, study.Status)
	}
	if study.ImportJobID != "job-1" {
		t.Fatalf("expected import job id, got %q", study.ImportJobID)
	}

	stored, err := repo.GetByID(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != StatusImporting || stored.ProcessingStage != StageImporting {
		t.Fatalf("stored record not importing: %+v", stored)
	}

	if len(importer.started) != 1 {
		t.Fatalf("expected one import start, got %d", len(importer.started))
	}
	input := importer.started[0]
	if input.SourceURI != "s3://local/patient-1/series/" {
		t.Fatalf("unexpected source uri %q", input.SourceURI)
	}
	if input.OutputURI != "s3://local/import-output/"+study.ID+"/" {
		t.Fatalf("unexpected output uri %q", input.OutputURI)
	}

	if len(trigger.names) != 1 || trigger.names[0] != "stroke-analysis-"+study.ID {
		t.Fatalf("unexpected workflow trigger names %v", trigger.names)
	}
	if trigger.inputs[0].StudyID != study.ID || trigger.inputs[0].ImportJobID != "job-1" {
		t.Fatalf("unexpected workflow input %+v", trigger.inputs[0])
	}
}

func TestSubmitGeneratesUniqueIDs(t *testing.T) {
	svc, _, _ := setupService(t, &stubImporter{})

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		study := submitStudy(t, svc)
		if seen[study.ID] {
			t.Fatalf("duplicate study id %q", study.ID)
		}
		seen[study.ID] = true
	}
}

func TestSubmitRejectsMissingPatient(t *testing.T) {
	importer := &stubImporter{}
	svc, _, _ := setupService(t, importer)

	_, err := svc.Submit(context.Background(), "", "local", "patient-1/series/slice-001.dcm", "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(importer.started) != 0 {
		t.Fatalf("expected no import start on validation failure")
	}
}

func TestSubmitRejectsForeignBucket(t *testing.T) {
	importer := &stubImporter{}
	svc, _, _ := setupService(t, importer)

	_, err := svc.Submit(context.Background(), "patient-1", "someone-elses-bucket", "patient-1/series/slice-001.dcm", "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(importer.started) != 0 {
		t.Fatalf("expected no import start for unverifiable bucket")
	}
}

func TestSubmitRejectsMissingSource(t *testing.T) {
	importer := &stubImporter{}
	svc, _, _ := setupService(t, importer)

	_, err := svc.Submit(context.Background(), "patient-1", "local", "patient-1/series/missing.dcm", "")
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
	if len(importer.started) != 0 {
		t.Fatalf("expected no import start for missing source")
	}
}

func TestSubmitImportStartFailureMarksFailed(t *testing.T) {
	importer := &stubImporter{startErr: errors.New("throttled")}
	svc, repo, _ := setupService(t, importer)

	_, err := svc.Submit(context.Background(), "patient-1", "local", "patient-1/series/slice-001.dcm", "")
	if err == nil {
		t.Fatalf("expected error from failed import start")
	}

	studies, err := repo.ListByPatient(context.Background(), "patient-1", 10, 0)
	if err != nil {
		t.Fatalf("ListByPatient: %v", err)
	}
	if len(studies) != 1 {
		t.Fatalf("expected one study record, got %d", len(studies))
	}
	failed := studies[0]
	if failed.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", failed.Status)
	}
	if !strings.HasPrefix(failed.ErrorDetail, ErrorCodeImportStart) {
		t.Fatalf("expected %s detail, got %q", ErrorCodeImportStart, failed.ErrorDetail)
	}
}

func TestPollCompletedTransitionsAndClassifies(t *testing.T) {
	importer := &stubImporter{}
	svc, repo, _ := setupService(t, importer)
	study := submitStudy(t, svc)

	importer.job = imaging.Job{
		ID:        "job-1",
		Status:    imaging.StatusCompleted,
		RawStatus: "COMPLETED",
		OutputURI: "s3://local/import-output/" + study.ID + "/abc123def456/",
	}

	result, err := svc.Poll(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !result.IsComplete || result.HasError {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Status != StatusReady {
		t.Fatalf("expected %s, got %s", StatusReady, result.Status)
	}
	if result.ImageSetID != "abc123def456" {
		t.Fatalf("expected image set id from output uri, got %q", result.ImageSetID)
	}

	stored, err := repo.GetByID(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != StatusReady || stored.ProcessingStage != StageAnalysisReady {
		t.Fatalf("stored record not ready: %+v", stored)
	}
	if stored.CompletedAt == nil {
		t.Fatalf("expected completedAt to be set")
	}
	if stored.Classification == nil {
		t.Fatalf("expected classification to be set")
	}
	if stored.Classification.Region != "HEAD" || stored.Classification.ConfidenceBasis != classify.BasisTag {
		t.Fatalf("unexpected classification %+v", stored.Classification)
	}
}

func TestPollTerminalStudyIsIdempotent(t *testing.T) {
	importer := &stubImporter{}
	svc, repo, _ := setupService(t, importer)
	study := submitStudy(t, svc)

	importer.job = imaging.Job{ID: "job-1", Status: imaging.StatusCompleted, RawStatus: "COMPLETED", ImageSetID: "img-1"}
	if _, err := svc.Poll(context.Background(), study.ID); err != nil {
		t.Fatalf("first Poll: %v", err)
	}
	before, _ := repo.GetByID(context.Background(), study.ID)
	callsAfterFirst := importer.getCalls

	result, err := svc.Poll(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if !result.IsComplete || result.Status != StatusReady || result.ImageSetID != "img-1" {
		t.Fatalf("unexpected terminal result %+v", result)
	}
	if importer.getCalls != callsAfterFirst {
		t.Fatalf("terminal poll should not query the import job")
	}
	after, _ := repo.GetByID(context.Background(), study.ID)
	if before.CompletedAt == nil || after.CompletedAt == nil || !before.CompletedAt.Equal(*after.CompletedAt) {
		t.Fatalf("terminal poll mutated the record")
	}
}

func TestPollFailedJobMarksFailed(t *testing.T) {
	importer := &stubImporter{}
	svc, repo, _ := setupService(t, importer)
	study := submitStudy(t, svc)

	importer.job = imaging.Job{ID: "job-1", Status: imaging.StatusFailed, RawStatus: "FAILED", Message: "source validation failed"}

	result, err := svc.Poll(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !result.IsComplete || !result.HasError || result.Status != StatusFailed {
		t.Fatalf("unexpected result %+v", result)
	}

	stored, _ := repo.GetByID(context.Background(), study.ID)
	if stored.Status != StatusFailed || stored.ProcessingStage != StageFailed {
		t.Fatalf("stored record not failed: %+v", stored)
	}
	if !strings.HasPrefix(stored.ErrorDetail, ErrorCodeImportFailed) {
		t.Fatalf("expected %s detail, got %q", ErrorCodeImportFailed, stored.ErrorDetail)
	}
}

func TestPollCancelledJobMarksImportFailed(t *testing.T) {
	importer := &stubImporter{}
	svc, repo, _ := setupService(t, importer)
	study := submitStudy(t, svc)

	status, mapErr := imaging.MapStatus("CANCELLED")
	if mapErr != nil {
		t.Fatalf("MapStatus: %v", mapErr)
	}
	importer.job = imaging.Job{ID: "job-1", Status: status, RawStatus: "CANCELLED", Message: "cancelled by operator"}

	result, err := svc.Poll(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !result.IsComplete || !result.HasError || result.Status != StatusFailed {
		t.Fatalf("unexpected result %+v", result)
	}

	stored, _ := repo.GetByID(context.Background(), study.ID)
	if !strings.HasPrefix(stored.ErrorDetail, ErrorCodeImportFailed) {
		t.Fatalf("cancellation is a known failure, expected %s detail, got %q", ErrorCodeImportFailed, stored.ErrorDetail)
	}
}

func TestPollUnknownJobStatusFailsClosed(t *testing.T) {
	importer := &stubImporter{}
	svc, repo, _ := setupService(t, importer)
	study := submitStudy(t, svc)

	importer.job = imaging.Job{ID: "job-1", Status: imaging.StatusFailed, RawStatus: "PAUSED"}
	importer.jobErr = imaging.ErrUnknownJobStatus

	result, err := svc.Poll(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !result.HasError || result.Status != StatusFailed {
		t.Fatalf("unexpected result %+v", result)
	}

	stored, _ := repo.GetByID(context.Background(), study.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
	if !strings.HasPrefix(stored.ErrorDetail, ErrorCodeUnknownStatus) {
		t.Fatalf("expected %s detail, got %q", ErrorCodeUnknownStatus, stored.ErrorDetail)
	}
}

func TestPollInProgressLeavesRecordOpen(t *testing.T) {
	importer := &stubImporter{}
	svc, repo, _ := setupService(t, importer)
	study := submitStudy(t, svc)

	importer.job = imaging.Job{ID: "job-1", Status: imaging.StatusInProgress, RawStatus: "IN_PROGRESS"}

	result, err := svc.Poll(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if result.IsComplete || result.HasError {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Status != StatusImporting {
		t.Fatalf("expected %s, got %s", StatusImporting, result.Status)
	}

	stored, _ := repo.GetByID(context.Background(), study.ID)
	if stored.Status != StatusImporting {
		t.Fatalf("record should stay importing, got %s", stored.Status)
	}
	if stored.ProcessingStage != "in_progress" {
		t.Fatalf("expected provider status mirror, got %q", stored.ProcessingStage)
	}
}

func TestPollProviderErrorIsSoft(t *testing.T) {
	importer := &stubImporter{}
	svc, repo, _ := setupService(t, importer)
	study := submitStudy(t, svc)

	importer.jobErr = errors.New("service unavailable")

	result, err := svc.Poll(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("Poll should swallow provider errors, got %v", err)
	}
	if !result.HasError || result.IsComplete {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Status != "ERROR" {
		t.Fatalf("expected ERROR marker, got %q", result.Status)
	}

	stored, _ := repo.GetByID(context.Background(), study.ID)
	if stored.Status != StatusImporting {
		t.Fatalf("soft failure must not touch the record, got %s", stored.Status)
	}
}

func TestPollUnknownStudy(t *testing.T) {
	svc, _, _ := setupService(t, &stubImporter{})

	if _, err := svc.Poll(context.Background(), "STUDY-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Poll(context.Background(), ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

// racingRepo makes every Transition lose: it first applies the winner's
// terminal write through the inner repo, then reports the precondition
// failure the loser would see.
type racingRepo struct {
	*MemoryRepo
	winnerImageSetID string
}

func (r *racingRepo) Transition(ctx context.Context, studyID, fromStatus string, update StatusUpdate) error {
	if update.Status == StatusReady {
		now := time.Now().UTC()
		winner := StatusUpdate{
			Status:      StatusReady,
			Stage:       StageAnalysisReady,
			ImageSetID:  &r.winnerImageSetID,
			CompletedAt: &now,
		}
		if err := r.MemoryRepo.Transition(ctx, studyID, fromStatus, winner); err != nil {
			return err
		}
		return ErrPreconditionFailed
	}
	return r.MemoryRepo.Transition(ctx, studyID, fromStatus, update)
}

func TestPollLostRaceReturnsWinningRecord(t *testing.T) {
	importer := &stubImporter{}
	svc, repo, _ := setupService(t, importer)
	study := submitStudy(t, svc)

	racing := &racingRepo{MemoryRepo: repo, winnerImageSetID: "winner-img"}
	svc.Repo = racing

	importer.job = imaging.Job{ID: "job-1", Status: imaging.StatusCompleted, RawStatus: "COMPLETED", ImageSetID: "loser-img"}

	result, err := svc.Poll(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !result.IsComplete || result.HasError {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.ImageSetID != "winner-img" {
		t.Fatalf("loser must report the winning record, got %q", result.ImageSetID)
	}
}

func TestPollClassificationDegradesOnDecodeError(t *testing.T) {
	importer := &stubImporter{}
	svc, repo, _ := setupService(t, importer)
	svc.Decoder = decoderFunc(func(ctx context.Context, r io.Reader) (classify.Image, error) {
		return classify.Image{}, errors.New("truncated stream")
	})
	study := submitStudy(t, svc)

	importer.job = imaging.Job{ID: "job-1", Status: imaging.StatusCompleted, RawStatus: "COMPLETED", ImageSetID: "img-1"}

	result, err := svc.Poll(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !result.IsComplete || result.HasError {
		t.Fatalf("classification failure must not block completion: %+v", result)
	}

	stored, _ := repo.GetByID(context.Background(), study.ID)
	if stored.Status != StatusReady {
		t.Fatalf("expected READY, got %s", stored.Status)
	}
	if stored.Classification == nil || stored.Classification.Region != classify.RegionUnknown {
		t.Fatalf("expected unknown classification, got %+v", stored.Classification)
	}
	if stored.Classification.ConfidenceBasis != classify.BasisUndetermined {
		t.Fatalf("expected undetermined basis, got %q", stored.Classification.ConfidenceBasis)
	}
}
