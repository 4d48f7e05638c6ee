// Package status implements the status handler contract: the single
// object the engine reports progress and errors through, polled for an
// abort trigger at every suspension point.
package status

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Phase is the current stage of a run.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseScanning
	PhaseComparingContent
	PhaseSynchronizing
)

func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning"
	case PhaseComparingContent:
		return "comparing_content"
	case PhaseSynchronizing:
		return "synchronizing"
	default:
		return "none"
	}
}

// AbortSource distinguishes who requested cancellation.
type AbortSource int

const (
	AbortNone AbortSource = iota
	AbortUser
	AbortProgram
)

// ErrorResponse is the caller's decision after report_error.
type ErrorResponse int

const (
	ErrorIgnore ErrorResponse = iota
	ErrorIgnoreAll
	ErrorRetry
	ErrorAbort
)

// ErrorHandler decides how report_error resolves, typically a UI prompt or
// a policy (e.g. "ignore everything", "abort on first error").
type ErrorHandler func(text string, retryNumber int) ErrorResponse

// WarningHandler decides whether a warning should suppress future
// warnings of the same kind (the &active out-parameter), returning the
// updated active flag.
type WarningHandler func(text string, active bool) bool

// Handler implements the full status contract, logging phase starts,
// status lines, warnings and errors through logrus and exposing a single atomically-polled abort flag for
// cooperative cancellation from any goroutine.
type Handler struct {
	log *logrus.Entry

	mu          sync.Mutex
	phase       Phase
	itemsTotal  int64
	bytesTotal  int64
	itemsDone   int64
	bytesDone   int64

	abort      int32 // atomic AbortSource
	onError    ErrorHandler
	onWarning  WarningHandler
}

// New builds a Handler. onError/onWarning may be nil, in which case
// ReportError aborts and ReportWarning always stays active.
func New(log *logrus.Logger, onError ErrorHandler, onWarning WarningHandler) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{log: logrus.NewEntry(log), onError: onError, onWarning: onWarning}
}

// InitPhase resets the counters for a new phase.
func (h *Handler) InitPhase(itemsTotal, bytesTotal int64, phase Phase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phase = phase
	h.itemsTotal = itemsTotal
	h.bytesTotal = bytesTotal
	h.itemsDone = 0
	h.bytesDone = 0
	h.log.WithFields(logrus.Fields{"phase": phase.String(), "items_total": itemsTotal, "bytes_total": bytesTotal}).Info("phase started")
}

// UpdateProcessed adds to the processed counters.
func (h *Handler) UpdateProcessed(itemsDelta, bytesDelta int64) {
	h.mu.Lock()
	h.itemsDone += itemsDelta
	h.bytesDone += bytesDelta
	h.mu.Unlock()
}

// UpdateTotal adjusts the expected totals, used when the executor
// discovers more work mid-phase (e.g. a folder expands during deletion).
func (h *Handler) UpdateTotal(itemsDelta, bytesDelta int64) {
	h.mu.Lock()
	h.itemsTotal += itemsDelta
	h.bytesTotal += bytesDelta
	h.mu.Unlock()
}

// Progress reports the counters snapshot.
func (h *Handler) Progress() (itemsDone, itemsTotal, bytesDone, bytesTotal int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.itemsDone, h.itemsTotal, h.bytesDone, h.bytesTotal
}

// ReportStatus logs a free-form status line (e.g. the path currently being
// scanned).
func (h *Handler) ReportStatus(text string) {
	h.log.Debug(text)
}

// LogInfo records an informational line that belongs in the run's log but
// isn't surfaced as a live status line.
func (h *Handler) LogInfo(text string) {
	h.log.Info(text)
}

// ReportWarning surfaces a non-fatal condition. active starts true; once a
// WarningHandler returns false the caller is expected to stop reporting
// this warning kind again for the remainder of the run.
func (h *Handler) ReportWarning(text string, active *bool) {
	h.log.Warn(text)
	if h.onWarning != nil {
		*active = h.onWarning(text, *active)
	}
}

// ReportError surfaces a recoverable failure and returns the caller's
// chosen response.
func (h *Handler) ReportError(text string, retryNumber int) ErrorResponse {
	h.log.WithField("retry", retryNumber).Error(text)
	if h.onError == nil {
		return ErrorAbort
	}
	return h.onError(text, retryNumber)
}

// RequestAbort sets the abort flag; safe to call from any goroutine,
// including a signal handler or a GUI callback.
func (h *Handler) RequestAbort(source AbortSource) {
	atomic.StoreInt32(&h.abort, int32(source))
}

// AbortIfRequested is polled at every suspension point; it returns the
// source if an abort was requested, or AbortNone otherwise.
func (h *Handler) AbortIfRequested() AbortSource {
	return AbortSource(atomic.LoadInt32(&h.abort))
}
