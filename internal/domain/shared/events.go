package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each event represents something significant that
// happened in the domain and is fanned out by the event bus.
const (
	// Analysis events
	EventAnalysisCompleted EventType = "analysis.completed"
	EventAnalysisBlocked   EventType = "analysis.blocked"
	EventAnalysisFailed    EventType = "analysis.failed"

	// Progress events
	EventLevelReached EventType = "progress.level_reached"

	// Reminder events
	EventReminderDue EventType = "reminder.due"
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
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Analysis Events
// ═══════════════════════════════════════════════════════════════════════════

// AnalysisCompletedEvent is emitted once per user, when the retroactive
// analysis result has been claimed and persisted.
type AnalysisCompletedEvent struct {
	BaseEvent
	UserID      string         `json:"user_id"`
	TotalPoints int            `json:"total_points"`
	EventCount  int            `json:"event_count"`
	ByCategory  map[string]int `json:"by_category"`
	Level       int            `json:"level"`
}

// Payload implements Event interface.
func (e AnalysisCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":      e.UserID,
		"total_points": e.TotalPoints,
		"event_count":  e.EventCount,
		"by_category":  e.ByCategory,
		"level":        e.Level,
	}
}

// NewAnalysisCompletedEvent creates a new AnalysisCompletedEvent.
func NewAnalysisCompletedEvent(userID string, totalPoints, eventCount, level int, byCategory map[string]int) AnalysisCompletedEvent {
	return AnalysisCompletedEvent{
		BaseEvent:   NewBaseEvent(EventAnalysisCompleted, userID),
		UserID:      userID,
		TotalPoints: totalPoints,
		EventCount:  eventCount,
		ByCategory:  byCategory,
		Level:       level,
	}
}

// AnalysisBlockedEvent is emitted when analysis stops on an authorization
// failure and the user has to reconnect the calendar.
type AnalysisBlockedEvent struct {
	BaseEvent
	UserID string `json:"user_id"`
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}

// Payload implements Event interface.
func (e AnalysisBlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id": e.UserID,
		"phase":   e.Phase,
		"reason":  e.Reason,
	}
}

// NewAnalysisBlockedEvent creates a new AnalysisBlockedEvent.
func NewAnalysisBlockedEvent(userID, phase, reason string) AnalysisBlockedEvent {
	return AnalysisBlockedEvent{
		BaseEvent: NewBaseEvent(EventAnalysisBlocked, userID),
		UserID:    userID,
		Phase:     phase,
		Reason:    reason,
	}
}

// AnalysisFailedEvent is emitted when a run aborts without persisting.
type AnalysisFailedEvent struct {
	BaseEvent
	UserID string `json:"user_id"`
	Phase  string `json:"phase"`
	Error  string `json:"error"`
}

// Payload implements Event interface.
func (e AnalysisFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id": e.UserID,
		"phase":   e.Phase,
		"error":   e.Error,
	}
}

// NewAnalysisFailedEvent creates a new AnalysisFailedEvent.
func NewAnalysisFailedEvent(userID, phase string, err error) AnalysisFailedEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return AnalysisFailedEvent{
		BaseEvent: NewBaseEvent(EventAnalysisFailed, userID),
		UserID:    userID,
		Phase:     phase,
		Error:     msg,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// LevelReachedEvent is emitted when an award moves a user onto a new tier.
type LevelReachedEvent struct {
	BaseEvent
	UserID   string `json:"user_id"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
	Name     string `json:"name"`
	Total    int    `json:"total"`
}

// Payload implements Event interface.
func (e LevelReachedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":   e.UserID,
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
		"name":      e.Name,
		"total":     e.Total,
	}
}

// NewLevelReachedEvent creates a new LevelReachedEvent.
func NewLevelReachedEvent(userID string, oldLevel, newLevel int, name string, total int) LevelReachedEvent {
	return LevelReachedEvent{
		BaseEvent: NewBaseEvent(EventLevelReached, userID),
		UserID:    userID,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		Name:      name,
		Total:     total,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Reminder Events
// ═══════════════════════════════════════════════════════════════════════════

// ReminderDueEvent is emitted exactly once per (goal, offset).
type ReminderDueEvent struct {
	BaseEvent
	UserID     string    `json:"user_id"`
	GoalID     string    `json:"goal_id"`
	GoalTitle  string    `json:"goal_title"`
	OffsetDays int       `json:"offset_days"`
	DueDate    time.Time `json:"due_date"`
}

// Payload implements Event interface.
func (e ReminderDueEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":     e.UserID,
		"goal_id":     e.GoalID,
		"goal_title":  e.GoalTitle,
		"offset_days": e.OffsetDays,
		"due_date":    e.DueDate.Format("2006-01-02"),
	}
}

// NewReminderDueEvent creates a new ReminderDueEvent.
func NewReminderDueEvent(userID, goalID, title string, offsetDays int, dueDate time.Time) ReminderDueEvent {
	return ReminderDueEvent{
		BaseEvent:  NewBaseEvent(EventReminderDue, goalID),
		UserID:     userID,
		GoalID:     goalID,
		GoalTitle:  title,
		OffsetDays: offsetDays,
		DueDate:    dueDate,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
