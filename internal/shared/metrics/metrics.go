package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	studySubmittedTotal atomic.Uint64
	studyCompletedTotal atomic.Uint64
	studyFailedTotal    atomic.Uint64
	pollErrorTotal      atomic.Uint64

	pollJobsReceivedTotal      atomic.Uint64
	pollJobsCompletedTotal     atomic.Uint64
	pollJobsFailedTotal        atomic.Uint64
	pollJobsRequeuedTotal      atomic.Uint64
	pollJobsUnrecoverableTotal atomic.Uint64

	// Bulk imports run minutes, not milliseconds; buckets go out to an hour.
	importDuration = newHistogram([]float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000, 1800000, 3600000})
)

// IncStudySubmitted increments the submitted counter.
func IncStudySubmitted() {
	studySubmittedTotal.Add(1)
}

// IncStudyCompleted increments the completed counter.
func IncStudyCompleted() {
	studyCompletedTotal.Add(1)
}

// IncStudyFailed increments the failed counter.
func IncStudyFailed() {
	studyFailedTotal.Add(1)
}

// IncPollError increments the soft poll-failure counter.
func IncPollError() {
	pollErrorTotal.Add(1)
}

// IncPollJobsReceived counts a queue message picked up by the worker.
func IncPollJobsReceived() {
	pollJobsReceivedTotal.Add(1)
}

// IncPollJobsCompleted counts a message whose study reached a terminal state.
func IncPollJobsCompleted() {
	pollJobsCompletedTotal.Add(1)
}

// IncPollJobsFailed counts a message whose handling failed.
func IncPollJobsFailed() {
	pollJobsFailedTotal.Add(1)
}

// IncPollJobsRequeued counts a message left on the queue for redelivery.
func IncPollJobsRequeued() {
	pollJobsRequeuedTotal.Add(1)
}

// IncPollJobsDeletedUnrecoverable counts a malformed message dropped outright.
func IncPollJobsDeletedUnrecoverable() {
	pollJobsUnrecoverableTotal.Add(1)
}

// ObserveImportDurationMs records a submit-to-ready duration in milliseconds.
func ObserveImportDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	importDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "study_submitted_total", "Total studies submitted", studySubmittedTotal.Load())
	writeCounter(&buf, "study_completed_total", "Total studies reaching ready_for_analysis", studyCompletedTotal.Load())
	writeCounter(&buf, "study_failed_total", "Total studies marked failed", studyFailedTotal.Load())
	writeCounter(&buf, "poll_error_total", "Total polls ending in a soft error", pollErrorTotal.Load())
	writeCounter(&buf, "poll_jobs_received_total", "Total queue messages received", pollJobsReceivedTotal.Load())
	writeCounter(&buf, "poll_jobs_completed_total", "Total queue messages completed", pollJobsCompletedTotal.Load())
	writeCounter(&buf, "poll_jobs_failed_total", "Total queue messages failed", pollJobsFailedTotal.Load())
	writeCounter(&buf, "poll_jobs_requeued_total", "Total queue messages left for redelivery", pollJobsRequeuedTotal.Load())
	writeCounter(&buf, "poll_jobs_deleted_unrecoverable_total", "Total malformed queue messages dropped", pollJobsUnrecoverableTotal.Load())
	writeHistogram(&buf, "import_duration_ms", "Submit-to-ready duration in milliseconds", importDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
	return out
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// NowMillis returns current time in milliseconds, useful for callers without time utilities.
func NowMillis() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}
