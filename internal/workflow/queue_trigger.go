package workflow

import (
	"context"
	"fmt"
	"time"

	"imaging-backend/internal/queue"
)

// QueueTrigger hands the polling loop to the worker fleet by publishing a
// poll message. SQS redelivery supplies the retry cadence.
type QueueTrigger struct {
	Queue queue.Client
}

// Start publishes one poll message for the study.
func (t *QueueTrigger) Start(ctx context.Context, name string, input PollInput) error {
	if t.Queue == nil {
		return fmt.Errorf("queue client is not configured")
	}
	msg := queue.Message{
		StudyID:     input.StudyID,
		ImportJobID: input.ImportJobID,
		DatastoreID: input.DatastoreID,
		RequestID:   input.RequestID,
		EnqueuedAt:  time.Now().UTC().Format(time.RFC3339),
		Version:     1,
	}
	if err := t.Queue.Send(ctx, msg); err != nil {
		return fmt.Errorf("enqueue poll message: %w", err)
	}
	return nil
}

var _ Trigger = (*QueueTrigger)(nil)
