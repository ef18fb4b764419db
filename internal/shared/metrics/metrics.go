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
	caseStartedTotal     atomic.Uint64
	caseCompletedTotal   atomic.Uint64
	caseFailedTotal      atomic.Uint64
	caseRefundedTotal    atomic.Uint64
	fallbackAdvanceTotal atomic.Uint64

	caseJobsReceivedTotal      atomic.Uint64
	caseJobsCompletedTotal     atomic.Uint64
	caseJobsFailedTotal        atomic.Uint64
	caseJobsUnrecoverableTotal atomic.Uint64

	caseDuration = newHistogram([]float64{250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000})
)

// IncCaseStarted increments the started counter.
func IncCaseStarted() {
	caseStartedTotal.Add(1)
}

// IncCaseCompleted increments the completed counter.
func IncCaseCompleted() {
	caseCompletedTotal.Add(1)
}

// IncCaseFailed increments the failed counter.
func IncCaseFailed() {
	caseFailedTotal.Add(1)
}

// IncCaseRefunded increments the refunded-credit counter.
func IncCaseRefunded() {
	caseRefundedTotal.Add(1)
}

// IncFallbackAdvance counts provider handoffs within the inference chain.
func IncFallbackAdvance() {
	fallbackAdvanceTotal.Add(1)
}

// IncCaseJobsReceived counts queue messages received by the worker.
func IncCaseJobsReceived() {
	caseJobsReceivedTotal.Add(1)
}

// IncCaseJobsCompleted counts queue messages processed and deleted.
func IncCaseJobsCompleted() {
	caseJobsCompletedTotal.Add(1)
}

// IncCaseJobsFailed counts queue messages left for redelivery.
func IncCaseJobsFailed() {
	caseJobsFailedTotal.Add(1)
}

// IncCaseJobsDeletedUnrecoverable counts malformed messages dropped without processing.
func IncCaseJobsDeletedUnrecoverable() {
	caseJobsUnrecoverableTotal.Add(1)
}

// ObserveCaseDurationMs records a case pipeline duration in milliseconds.
func ObserveCaseDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	caseDuration.Observe(value)
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
	writeCounter(&buf, "case_started_total", "Total cases started", caseStartedTotal.Load())
	writeCounter(&buf, "case_completed_total", "Total cases completed", caseCompletedTotal.Load())
	writeCounter(&buf, "case_failed_total", "Total cases failed", caseFailedTotal.Load())
	writeCounter(&buf, "case_refunded_total", "Total case credits refunded", caseRefundedTotal.Load())
	writeCounter(&buf, "fallback_advance_total", "Total provider fallback handoffs", fallbackAdvanceTotal.Load())
	writeCounter(&buf, "case_jobs_received_total", "Total queue messages received", caseJobsReceivedTotal.Load())
	writeCounter(&buf, "case_jobs_completed_total", "Total queue messages completed", caseJobsCompletedTotal.Load())
	writeCounter(&buf, "case_jobs_failed_total", "Total queue messages failed", caseJobsFailedTotal.Load())
	writeCounter(&buf, "case_jobs_deleted_unrecoverable_total", "Total malformed queue messages dropped", caseJobsUnrecoverableTotal.Load())
	writeHistogram(&buf, "case_duration_ms", "Case pipeline duration in milliseconds", caseDuration.Snapshot())
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
