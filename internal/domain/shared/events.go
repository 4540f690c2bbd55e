// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types - these drive the event-driven architecture.
// Each event represents something significant that happened in the funnel.
const (
	// Student events
	EventStudentRegistered     EventType = "student.registered"
	EventStudentStatusChanged  EventType = "student.status_changed"
	EventStudentActivity       EventType = "student.activity_recorded"
	EventStudentOptedOut       EventType = "student.opted_out"
	EventStudentSoftDeleted    EventType = "student.soft_deleted"
	EventStudentContactUpdated EventType = "student.contact_updated"

	// Risk events
	EventRiskAssessed  EventType = "risk.assessed"
	EventRiskLevelRose EventType = "risk.level_rose"

	// Intervention events
	EventInterventionRecommended EventType = "intervention.recommended"
	EventInterventionDenied      EventType = "intervention.denied"

	// Dispatch events
	EventDispatchAttempted EventType = "dispatch.attempted"
	EventDispatchSent      EventType = "dispatch.sent"
	EventDispatchFailed    EventType = "dispatch.failed"
	EventDispatchExhausted EventType = "dispatch.exhausted"

	// Escalation events
	EventEscalationRaised EventType = "escalation.raised"

	// System events
	EventScanStarted   EventType = "system.scan_started"
	EventScanCompleted EventType = "system.scan_completed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// EventPublisher publishes domain events to interested subscribers.
type EventPublisher interface {
	// Publish delivers the event to all subscribers of its type.
	Publish(event Event) error
}

// EventHandler processes a single domain event.
type EventHandler interface {
	// Handle processes the event. Returning an error does not stop
	// delivery to other handlers.
	Handle(event Event) error

	// EventTypes returns the event types this handler subscribes to.
	EventTypes() []EventType
}

// ══════════════════════════════════════════════════════════════════════════════
// CONCRETE EVENTS
// ══════════════════════════════════════════════════════════════════════════════

// RiskAssessedEvent fires when the scorer produces a fresh assessment.
type RiskAssessedEvent struct {
	BaseEvent
	StudentID     string
	Score         int
	Level         string
	PreviousLevel string
	Factors       []string
}

// NewRiskAssessedEvent creates a RiskAssessedEvent.
func NewRiskAssessedEvent(studentID string, score int, level, previousLevel string, factors []string) *RiskAssessedEvent {
	return &RiskAssessedEvent{
		BaseEvent:     NewBaseEvent(EventRiskAssessed, studentID),
		StudentID:     studentID,
		Score:         score,
		Level:         level,
		PreviousLevel: previousLevel,
		Factors:       factors,
	}
}

// Payload implements Event.
func (e *RiskAssessedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":     e.StudentID,
		"score":          e.Score,
		"level":          e.Level,
		"previous_level": e.PreviousLevel,
		"factors":        e.Factors,
	}
}

// DispatchResultEvent fires when a gateway call resolves, successfully or not.
// A single handler consumes these and updates the ledger and the student
// atomically - dispatch code never mutates them directly from callbacks.
type DispatchResultEvent struct {
	BaseEvent
	AttemptID  string
	StudentID  string
	ActionType string
	Channel    Channel
	Outcome    ContactOutcome
	ExternalID string
	Error      string
	Final      bool
}

// NewDispatchResultEvent creates a DispatchResultEvent.
func NewDispatchResultEvent(attemptID, studentID, actionType string, channel Channel, outcome ContactOutcome, externalID, errMsg string, final bool) *DispatchResultEvent {
	eventType := EventDispatchSent
	if outcome != OutcomeCompleted {
		eventType = EventDispatchFailed
	}
	return &DispatchResultEvent{
		BaseEvent:  NewBaseEvent(eventType, studentID),
		AttemptID:  attemptID,
		StudentID:  studentID,
		ActionType: actionType,
		Channel:    channel,
		Outcome:    outcome,
		ExternalID: externalID,
		Error:      errMsg,
		Final:      final,
	}
}

// Payload implements Event.
func (e *DispatchResultEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"attempt_id":  e.AttemptID,
		"student_id":  e.StudentID,
		"action_type": e.ActionType,
		"channel":     string(e.Channel),
		"outcome":     string(e.Outcome),
		"external_id": e.ExternalID,
		"error":       e.Error,
		"final":       e.Final,
	}
}

// EscalationRaisedEvent fires when a student is handed over to a counselor.
type EscalationRaisedEvent struct {
	BaseEvent
	StudentID string
	Reason    string
}

// NewEscalationRaisedEvent creates an EscalationRaisedEvent.
func NewEscalationRaisedEvent(studentID, reason string) *EscalationRaisedEvent {
	return &EscalationRaisedEvent{
		BaseEvent: NewBaseEvent(EventEscalationRaised, studentID),
		StudentID: studentID,
		Reason:    reason,
	}
}

// Payload implements Event.
func (e *EscalationRaisedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id": e.StudentID,
		"reason":     e.Reason,
	}
}

// ScanCompletedEvent fires at the end of a scan cycle with aggregate numbers.
type ScanCompletedEvent struct {
	BaseEvent
	StudentsScanned int
	Dispatched      int
	Denied          int
	Failed          int
	Duration        time.Duration
}

// NewScanCompletedEvent creates a ScanCompletedEvent.
func NewScanCompletedEvent(scanID string, scanned, dispatched, denied, failed int, duration time.Duration) *ScanCompletedEvent {
	return &ScanCompletedEvent{
		BaseEvent:       NewBaseEvent(EventScanCompleted, scanID),
		StudentsScanned: scanned,
		Dispatched:      dispatched,
		Denied:          denied,
		Failed:          failed,
		Duration:        duration,
	}
}

// Payload implements Event.
func (e *ScanCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"students_scanned": e.StudentsScanned,
		"dispatched":       e.Dispatched,
		"denied":           e.Denied,
		"failed":           e.Failed,
		"duration_ms":      e.Duration.Milliseconds(),
	}
}

// ActivityRecordedEvent fires when an inbound webhook reports student activity.
type ActivityRecordedEvent struct {
	BaseEvent
	StudentID string
	Source    string
}

// NewActivityRecordedEvent creates an ActivityRecordedEvent.
func NewActivityRecordedEvent(studentID, source string) *ActivityRecordedEvent {
	return &ActivityRecordedEvent{
		BaseEvent: NewBaseEvent(EventStudentActivity, studentID),
		StudentID: studentID,
		Source:    source,
	}
}

// Payload implements Event.
func (e *ActivityRecordedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id": e.StudentID,
		"source":     e.Source,
	}
}
