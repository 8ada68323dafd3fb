package domain

import "time"

// EventType names a lifecycle event published on the bus.
type EventType string

const (
	EventTaskCreated         EventType = "task_created"
	EventTaskUpdated         EventType = "task_updated"
	EventTaskDeleted         EventType = "task_deleted"
	EventMissionUpdated      EventType = "mission_updated"
	EventAgentStatusChanged  EventType = "agent_status_changed"
	EventAgentDeleted        EventType = "agent_deleted"
	EventAgentCoolingDown    EventType = "agent_cooling_down"
	EventResourceAcquired    EventType = "resource_acquired"
	EventResourceReleased    EventType = "resource_released"
	EventExecutionStep       EventType = "execution_step"
	EventChatMessageChunk    EventType = "chat_message_chunk"
	EventChatMessageComplete EventType = "chat_message_complete"
	EventChatMessageError    EventType = "chat_message_error"
	EventCostUpdated         EventType = "cost_updated"
	EventAlert               EventType = "alert"
	EventMetricsUpdated      EventType = "metrics_updated"
)

// Event is one bus frame. Payload is shaped per event type; subscribers
// treat it as opaque JSON-serializable data.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(t EventType, payload any) Event {
	return Event{Type: t, Payload: payload, Timestamp: time.Now().UTC()}
}

// EntityKey returns the pub/sub channel key for an entity-scoped event,
// e.g. task:{id}:updates. Empty when the payload carries no entity id.
func (e Event) EntityKey() string {
	m, ok := e.Payload.(map[string]any)
	if !ok {
		return ""
	}
	if id, ok := m["task_id"].(string); ok && id != "" {
		return "task:" + id + ":updates"
	}
	if id, ok := m["agent_id"].(string); ok && id != "" {
		return "agent:" + id + ":updates"
	}
	if id, ok := m["mission_id"].(string); ok && id != "" {
		return "mission:" + id + ":updates"
	}
	return ""
}
