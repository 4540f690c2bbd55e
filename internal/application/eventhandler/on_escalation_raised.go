// Package eventhandler contains the bus subscribers of the worker. The
// dispatch engine publishes domain events and never waits on observers;
// everything that reacts to an outcome after the fact lives here.
package eventhandler

import (
	"log/slog"
	"sync/atomic"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// COUNSELOR QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// CounselorQueueHandler feeds the counselor work queue. An escalation has
// no external provider: the durable state is the student's
// counselor_required status, and this handler turns the raised event into
// the structured queue entry the admission staff tooling tails.
type CounselorQueueHandler struct {
	logger *slog.Logger
	raised atomic.Int64
}

// NewCounselorQueueHandler creates the counselor queue subscriber.
func NewCounselorQueueHandler(logger *slog.Logger) *CounselorQueueHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CounselorQueueHandler{
		logger: logger.With("handler", "counselor_queue"),
	}
}

// Handle implements shared.EventHandler.
func (h *CounselorQueueHandler) Handle(event shared.Event) error {
	esc, ok := event.(*shared.EscalationRaisedEvent)
	if !ok {
		h.logger.Warn("unexpected event payload", "event_type", event.EventType())
		return nil
	}

	total := h.raised.Add(1)
	h.logger.Warn("student queued for counselor",
		"student_id", esc.StudentID,
		"reason", esc.Reason,
		"queued_total", total,
	)
	return nil
}

// EventTypes implements shared.EventHandler.
func (h *CounselorQueueHandler) EventTypes() []shared.EventType {
	return []shared.EventType{shared.EventEscalationRaised}
}

// Raised returns how many escalations this process has queued.
func (h *CounselorQueueHandler) Raised() int64 {
	return h.raised.Load()
}
