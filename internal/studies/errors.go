package studies

import "errors"

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotFound               = errors.New("study not found")
	ErrSourceNotFound         = errors.New("source object not found")
	ErrAlreadyExists          = errors.New("study already exists")
	ErrPreconditionFailed     = errors.New("status precondition failed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// Machine-readable error codes surfaced to clients.
const (
	ErrorCodeValidation      = "VALIDATION_ERROR"
	ErrorCodeNotFound        = "NOT_FOUND"
	ErrorCodeImportStart     = "IMPORT_START_FAILED"
	ErrorCodeImportFailed    = "IMPORT_FAILED"
	ErrorCodeUnknownStatus   = "UNKNOWN_JOB_STATUS"
	ErrorCodeExternalService = "EXTERNAL_SERVICE_ERROR"
	ErrorCodeInternal        = "INTERNAL_ERROR"
)
