package eventhandler

import (
	"log/slog"
	"sync/atomic"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCH MONITOR
// ══════════════════════════════════════════════════════════════════════════════

// DispatchMonitorHandler keeps cumulative delivery totals across cycles
// and surfaces chains that ended without reaching the student. Per-cycle
// numbers live in CycleStats; this is the process-lifetime view.
type DispatchMonitorHandler struct {
	logger *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	unreached atomic.Int64
	cycles    atomic.Int64
}

// NewDispatchMonitorHandler creates the delivery totals subscriber.
func NewDispatchMonitorHandler(logger *slog.Logger) *DispatchMonitorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchMonitorHandler{
		logger: logger.With("handler", "dispatch_monitor"),
	}
}

// Handle implements shared.EventHandler.
func (h *DispatchMonitorHandler) Handle(event shared.Event) error {
	switch e := event.(type) {
	case *shared.DispatchResultEvent:
		if e.Outcome == shared.OutcomeCompleted {
			h.delivered.Add(1)
			return nil
		}
		h.failed.Add(1)
		if e.Final {
			// The chain is closed and the student was never reached.
			h.unreached.Add(1)
			h.logger.Warn("intervention chain ended without contact",
				"student_id", e.StudentID,
				"action_type", e.ActionType,
				"channel", e.Channel.String(),
				"outcome", string(e.Outcome),
				"error", e.Error,
			)
		}

	case *shared.ScanCompletedEvent:
		h.logger.Info("delivery totals",
			"cycles", h.cycles.Add(1),
			"delivered_total", h.delivered.Load(),
			"failed_total", h.failed.Load(),
			"unreached_total", h.unreached.Load(),
		)

	default:
		h.logger.Warn("unexpected event payload", "event_type", event.EventType())
	}

	return nil
}

// EventTypes implements shared.EventHandler.
func (h *DispatchMonitorHandler) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventDispatchSent,
		shared.EventDispatchFailed,
		shared.EventScanCompleted,
	}
}

// Totals returns the cumulative delivered, failed and unreached counts.
func (h *DispatchMonitorHandler) Totals() (delivered, failed, unreached int64) {
	return h.delivered.Load(), h.failed.Load(), h.unreached.Load()
}
