package studies

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"imaging-backend/internal/classify"
	"imaging-backend/internal/imaging"
	"imaging-backend/internal/shared/metrics"
	"imaging-backend/internal/shared/storage/object"
	"imaging-backend/internal/shared/telemetry"
	"imaging-backend/internal/workflow"
)

// Service contains the ingestion business logic: accepting a study for
// import and reconciling its record against the external import job.
type Service struct {
	Repo     Repo
	Store    object.ObjectStore
	Importer imaging.Client
	Tracker  *imaging.Tracker
	Decoder  classify.Decoder
	Workflow workflow.Trigger

	DatastoreID   string
	OutputPrefix  string
	AccessRoleARN string
}

// Submit registers a new study and starts its bulk import. The returned
// record is already IMPORTING; if the import cannot be started the record is
// marked FAILED and the error is returned.
func (s *Service) Submit(ctx context.Context, patientID, sourceBucket, sourceKey, studyDescription string) (Study, error) {
	if strings.TrimSpace(patientID) == "" {
		return Study{}, fmt.Errorf("%w: patientID is required", ErrInvalidInput)
	}
	if strings.TrimSpace(sourceBucket) == "" || strings.TrimSpace(sourceKey) == "" {
		return Study{}, fmt.Errorf("%w: sourceBucket and sourceKey are required", ErrInvalidInput)
	}

	// The source must live in the bucket this service fronts: a foreign
	// bucket cannot be verified, so it is rejected rather than imported blind.
	if s.Store == nil || sourceBucket != s.Store.Container() {
		return Study{}, fmt.Errorf("%w: unsupported source bucket %q", ErrInvalidInput, sourceBucket)
	}
	exists, err := s.Store.Exists(ctx, sourceKey)
	if err != nil {
		return Study{}, fmt.Errorf("source existence check: %w", err)
	}
	if !exists {
		return Study{}, fmt.Errorf("%w: s3://%s/%s", ErrSourceNotFound, sourceBucket, sourceKey)
	}

	study := Study{
		ID:               newStudyID(),
		PatientID:        patientID,
		StudyDescription: studyDescription,
		SourceBucket:     sourceBucket,
		SourceKey:        sourceKey,
		DatastoreID:      s.DatastoreID,
		Status:           StatusSubmitted,
		ProcessingStage:  StageIngestion,
		SubmittedAt:      time.Now().UTC(),
	}
	if err := s.Repo.Create(ctx, study); err != nil {
		return Study{}, err
	}
	metrics.IncStudySubmitted()

	out, err := s.Importer.StartImport(ctx, imaging.StartImportInput{
		DatastoreID:   s.DatastoreID,
		SourceURI:     sourceFolderURI(sourceBucket, s.Store.AbsoluteKey(sourceKey)),
		OutputURI:     outputURI(sourceBucket, s.OutputPrefix, study.ID),
		AccessRoleARN: s.AccessRoleARN,
		JobName:       study.ID,
	})
	if err != nil {
		s.failStudy(ctx, study, ErrorCodeImportStart, err)
		return Study{}, fmt.Errorf("start import: %w", err)
	}

	jobID := out.JobID
	if err := s.Repo.Transition(ctx, study.ID, StatusSubmitted, StatusUpdate{
		Status:      StatusImporting,
		Stage:       StageImporting,
		ImportJobID: &jobID,
	}); err != nil && !errors.Is(err, ErrPreconditionFailed) {
		return Study{}, fmt.Errorf("record import job: %w", err)
	}
	study.Status = StatusImporting
	study.ProcessingStage = StageImporting
	study.ImportJobID = jobID

	telemetry.Info("study.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"patient_id":        study.PatientID,
		"study_id":          study.ID,
		"import_job_id":     jobID,
		"status":            StatusImporting,
		"status_transition": "submitted->importing",
	})

	// Poll scheduling is best-effort: a record stuck in IMPORTING can always
	// be reconciled by a manual poll.
	if s.Workflow != nil {
		if err := s.Workflow.Start(ctx, "stroke-analysis-"+study.ID, workflow.PollInput{
			StudyID:     study.ID,
			PatientID:   study.PatientID,
			ImportJobID: jobID,
			DatastoreID: s.DatastoreID,
			RequestID:   requestIDFromContext(ctx),
		}); err != nil {
			telemetry.Error("study.workflow_start_failed", map[string]any{
				"request_id": requestIDFromContext(ctx),
				"study_id":   study.ID,
				"error":      err.Error(),
			})
		}
	}

	return study, nil
}

// Poll reconciles a study record against its import job. It returns an error
// only for bad requests (unknown study, empty ID); every downstream failure
// degrades to a result the scheduler can act on, so a flaky provider call
// never crashes the polling loop.
func (s *Service) Poll(ctx context.Context, studyID string) (PollResult, error) {
	if strings.TrimSpace(studyID) == "" {
		return PollResult{}, fmt.Errorf("%w: studyID is required", ErrInvalidInput)
	}

	study, err := s.Repo.GetByID(ctx, studyID)
	if err != nil {
		return PollResult{}, err
	}

	// Terminal records are settled; repeated polls are no-ops.
	if study.IsTerminal() {
		return resultFromStudy(study), nil
	}

	if study.ImportJobID == "" {
		return s.softFailResult(ctx, study, errors.New("no import job recorded")), nil
	}

	job, err := s.Tracker.CheckStatus(ctx, study.ID, study.DatastoreID, study.ImportJobID)
	if err != nil && !errors.Is(err, imaging.ErrUnknownJobStatus) {
		return s.softFailResult(ctx, study, err), nil
	}

	switch job.Status {
	case imaging.StatusCompleted:
		return s.completeStudy(ctx, study, job), nil
	case imaging.StatusFailed:
		code := ErrorCodeImportFailed
		detail := job.Message
		if errors.Is(err, imaging.ErrUnknownJobStatus) {
			code = ErrorCodeUnknownStatus
			detail = err.Error()
		}
		if detail == "" {
			detail = "import job failed"
		}
		s.failStudy(ctx, study, code, errors.New(detail))
		return PollResult{
			StudyID:     study.ID,
			Status:      StatusFailed,
			IsComplete:  true,
			HasError:    true,
			ErrorDetail: code + ": " + detail,
		}, nil
	default:
		return PollResult{
			StudyID:    study.ID,
			Status:     study.Status,
			IsComplete: false,
		}, nil
	}
}

// Get returns a study by ID.
func (s *Service) Get(ctx context.Context, studyID string) (Study, error) {
	if strings.TrimSpace(studyID) == "" {
		return Study{}, fmt.Errorf("%w: studyID is required", ErrInvalidInput)
	}
	return s.Repo.GetByID(ctx, studyID)
}

// List returns a patient's studies ordered newest-first.
func (s *Service) List(ctx context.Context, patientID string, limit, offset int) ([]Study, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("%w: patientID is required", ErrInvalidInput)
	}
	return s.Repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) completeStudy(ctx context.Context, study Study, job imaging.Job) PollResult {
	imageSetID := job.ImageSetID
	if imageSetID == "" {
		imageSetID = imaging.ImageSetIDFromOutputURI(job.OutputURI)
	}

	classification := s.classifySource(ctx, study)

	completedAt := time.Now().UTC()
	err := s.Repo.Transition(ctx, study.ID, study.Status, StatusUpdate{
		Status:         StatusReady,
		Stage:          StageAnalysisReady,
		ImageSetID:     &imageSetID,
		Classification: classification,
		CompletedAt:    &completedAt,
	})
	if err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			// Another poller finished first; its terminal record stands.
			if current, getErr := s.Repo.GetByID(ctx, study.ID); getErr == nil {
				return resultFromStudy(current)
			}
		}
		return s.softFailResult(ctx, study, err)
	}

	metrics.IncStudyCompleted()
	metrics.ObserveImportDurationMs(durationMs(study.SubmittedAt, completedAt))
	telemetry.Info("study.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"patient_id":        study.PatientID,
		"study_id":          study.ID,
		"import_job_id":     study.ImportJobID,
		"image_set_id":      imageSetID,
		"status":            StatusReady,
		"status_transition": "importing->ready_for_analysis",
		"region":            classification.Region,
		"confidence_basis":  classification.ConfidenceBasis,
		"duration_ms":       durationMs(study.SubmittedAt, completedAt),
	})

	return PollResult{
		StudyID:    study.ID,
		Status:     StatusReady,
		IsComplete: true,
		ImageSetID: imageSetID,
	}
}

// classifySource decodes the submitted object and runs the triage heuristics.
// Classification is advisory, so any failure degrades to an unknown result
// rather than blocking the status transition.
func (s *Service) classifySource(ctx context.Context, study Study) *classify.Classification {
	unknown := &classify.Classification{
		Modality:        classify.RegionUnknown,
		Region:          classify.RegionUnknown,
		ConfidenceBasis: classify.BasisUndetermined,
	}
	if s.Store == nil || s.Decoder == nil {
		return unknown
	}

	body, err := s.Store.Open(ctx, study.SourceKey)
	if err != nil {
		telemetry.Error("study.classify_failed", map[string]any{
			"study_id": study.ID,
			"stage":    "open",
			"error":    err.Error(),
		})
		return unknown
	}
	defer body.Close()

	img, err := s.Decoder.Decode(ctx, body)
	if err != nil {
		telemetry.Error("study.classify_failed", map[string]any{
			"study_id": study.ID,
			"stage":    "decode",
			"error":    err.Error(),
		})
		return unknown
	}

	c := classify.Classify(img)
	return &c
}

// failStudy moves a study to FAILED with a coded error detail. Losing a
// status race here is fine; some other writer settled the record.
func (s *Service) failStudy(ctx context.Context, study Study, code string, cause error) {
	detail := code + ": " + sanitizeError(cause)
	completedAt := time.Now().UTC()
	if err := s.Repo.Transition(ctx, study.ID, study.Status, StatusUpdate{
		Status:      StatusFailed,
		Stage:       StageFailed,
		ErrorDetail: &detail,
		CompletedAt: &completedAt,
	}); err != nil && !errors.Is(err, ErrPreconditionFailed) {
		telemetry.Error("study.fail_update_failed", map[string]any{
			"study_id": study.ID,
			"error":    err.Error(),
			"cause":    sanitizeError(cause),
		})
		return
	}
	metrics.IncStudyFailed()
	telemetry.Info("study.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"patient_id":        study.PatientID,
		"study_id":          study.ID,
		"import_job_id":     study.ImportJobID,
		"status":            StatusFailed,
		"status_transition": strings.ToLower(study.Status) + "->failed",
		"error":             detail,
	})
}

// softFailResult reports a poll-time failure without touching the record.
// The study stays pollable; the scheduler sees hasError and backs off.
func (s *Service) softFailResult(ctx context.Context, study Study, cause error) PollResult {
	metrics.IncPollError()
	telemetry.Error("study.poll_error", map[string]any{
		"request_id":    requestIDFromContext(ctx),
		"study_id":      study.ID,
		"import_job_id": study.ImportJobID,
		"error":         sanitizeError(cause),
	})
	return PollResult{
		StudyID:     study.ID,
		Status:      "ERROR",
		HasError:    true,
		ErrorDetail: sanitizeError(cause),
	}
}

func resultFromStudy(study Study) PollResult {
	return PollResult{
		StudyID:     study.ID,
		Status:      study.Status,
		IsComplete:  true,
		HasError:    study.Status == StatusFailed,
		ImageSetID:  study.ImageSetID,
		ErrorDetail: study.ErrorDetail,
	}
}

func newStudyID() string {
	return "STUDY-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// sourceFolderURI widens an object key to its containing folder prefix; bulk
// imports take a prefix, not a single object.
func sourceFolderURI(bucket, key string) string {
	dir := path.Dir(strings.TrimPrefix(key, "/"))
	if dir == "." || dir == "/" {
		return "s3://" + bucket + "/"
	}
	return "s3://" + bucket + "/" + dir + "/"
}

func outputURI(bucket, prefix, studyID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "import-output"
	}
	return "s3://" + bucket + "/" + prefix + "/" + studyID + "/"
}

func durationMs(startedAt, completedAt time.Time) float64 {
	return float64(completedAt.Sub(startedAt).Microseconds()) / 1000.0
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
