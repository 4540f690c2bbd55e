// Package escalation implements the internal escalation channel.
//
// Unlike voice and WhatsApp, escalation never leaves the system: it places
// the student on the counselor queue by publishing a domain event. The sink
// still satisfies the channel gateway contract so the dispatch engine can
// treat escalation like any other action, with the same ledger trail.
package escalation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/intervention"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

// Sink routes counselor escalations to the internal queue.
type Sink struct {
	publisher shared.EventPublisher
	logger    *slog.Logger
}

// NewSink creates a new escalation sink.
func NewSink(publisher shared.EventPublisher, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		publisher: publisher,
		logger:    logger.With("component", "escalation_sink"),
	}
}

// Channel returns the channel this gateway serves.
func (s *Sink) Channel() shared.Channel {
	return shared.ChannelInternal
}

// Dispatch raises the escalation event. There is no external provider, so
// the only failure mode is the event bus rejecting the event.
func (s *Sink) Dispatch(ctx context.Context, req intervention.DispatchRequest) intervention.DeliveryResult {
	event := shared.NewEscalationRaisedEvent(req.StudentID, req.Payload)

	if err := s.publisher.Publish(event); err != nil {
		return intervention.NewFailureResult(ledger.FailureUnknown,
			fmt.Errorf("publish escalation: %w", err))
	}

	ticketID := "esc-" + uuid.NewString()
	s.logger.Info("escalation raised",
		"student_id", req.StudentID,
		"ticket_id", ticketID,
		"reason", req.Payload)

	return intervention.NewSuccessResult(ticketID, shared.OutcomeCompleted)
}

// IsHealthy always reports healthy: the sink has no external dependency.
func (s *Sink) IsHealthy(ctx context.Context) bool {
	return true
}
