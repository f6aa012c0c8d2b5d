package workflow

import (
	"context"
	"errors"
	"testing"

	"imaging-backend/internal/queue"
)

type captureQueue struct {
	sent []queue.Message
	err  error
}

func (c *captureQueue) Send(ctx context.Context, msg queue.Message) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func TestQueueTriggerPublishesPollMessage(t *testing.T) {
	q := &captureQueue{}
	trigger := &QueueTrigger{Queue: q}

	err := trigger.Start(context.Background(), "stroke-analysis-STUDY-1", PollInput{
		StudyID:     "STUDY-1",
		ImportJobID: "job-1",
		DatastoreID: "ds-1",
		RequestID:   "req-1",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(q.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(q.sent))
	}
	msg := q.sent[0]
	if msg.StudyID != "STUDY-1" || msg.ImportJobID != "job-1" || msg.DatastoreID != "ds-1" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.EnqueuedAt == "" || msg.Version != 1 {
		t.Fatalf("message missing envelope fields: %+v", msg)
	}
}

func TestQueueTriggerPropagatesSendFailure(t *testing.T) {
	trigger := &QueueTrigger{Queue: &captureQueue{err: errors.New("sqs down")}}
	if err := trigger.Start(context.Background(), "x", PollInput{StudyID: "STUDY-1"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestExecutionNameSanitized(t *testing.T) {
	got := executionName("stroke analysis/STUDY 1")
	if got != "stroke-analysis-STUDY-1" {
		t.Fatalf("executionName = %q", got)
	}
}
