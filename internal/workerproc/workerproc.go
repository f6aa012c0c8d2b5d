package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"imaging-backend/internal/bootstrap"
	"imaging-backend/internal/queue"
	"imaging-backend/internal/studies"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

// ErrMissingStudyID indicates a message missing the study id.
type ErrMissingStudyID struct {
	Meta      MessageMeta
	RequestID string
}

func (e ErrMissingStudyID) Error() string { return "missing study id" }

// ErrStillImporting signals that the import has not finished yet. The caller
// must leave the message on the queue so visibility-timeout redelivery acts
// as the retry cadence.
type ErrStillImporting struct {
	StudyID string
	Status  string
}

func (e ErrStillImporting) Error() string { return "import still in progress" }

// ErrProcess indicates polling failed after successful parsing.
type ErrProcess struct {
	StudyID   string
	RequestID string
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "poll study"
	}
	return "poll study: " + e.Err.Error()
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(msg.StudyID) == "" {
		return msg, meta, ErrMissingStudyID{Meta: meta, RequestID: msg.RequestID}
	}
	return msg, meta, nil
}

type parsedMessageKey struct{}

// WithParsedMessage stores a decoded message in the context for reuse.
func WithParsedMessage(ctx context.Context, msg queue.Message) context.Context {
	return context.WithValue(ctx, parsedMessageKey{}, msg)
}

func parsedMessageFromContext(ctx context.Context) (queue.Message, bool) {
	if ctx == nil {
		return queue.Message{}, false
	}
	msg, ok := ctx.Value(parsedMessageKey{}).(queue.Message)
	return msg, ok
}

// HandleMessage parses a poll message and reconciles the study it names.
// A message whose study is still importing comes back as ErrStillImporting
// and must not be deleted.
func HandleMessage(ctx context.Context, app *bootstrap.App, body string) error {
	if app == nil {
		return errors.New("study poller not configured")
	}
	poller := app.StudyPoller
	if poller == nil {
		poller = app.StudiesService
	}
	if poller == nil {
		return errors.New("study poller not configured")
	}

	msg, ok := parsedMessageFromContext(ctx)
	if !ok {
		var err error
		msg, _, err = ParseMessage(body)
		if err != nil {
			return err
		}
	}

	if strings.TrimSpace(msg.StudyID) == "" {
		return ErrMissingStudyID{Meta: ComputeMeta(body), RequestID: msg.RequestID}
	}

	ctxWithRequest := studies.WithRequestID(ctx, msg.RequestID)
	result, err := poller.Poll(ctxWithRequest, msg.StudyID)
	if err != nil {
		return ErrProcess{StudyID: msg.StudyID, RequestID: msg.RequestID, Err: err}
	}
	// A settled record means the message is done, whether the import
	// succeeded or failed; only transient poll errors warrant redelivery.
	if result.IsComplete {
		return nil
	}
	if result.HasError {
		return ErrProcess{StudyID: msg.StudyID, RequestID: msg.RequestID, Err: errors.New(result.ErrorDetail)}
	}
	return ErrStillImporting{StudyID: msg.StudyID, Status: result.Status}
}
