package ws

import "encoding/json"

// Inbound event types (client to server).
const (
	EventMessage          = "message"
	EventReaction         = "reaction"
	EventDeleteMessage    = "delete_message"
	EventUpdateStatus     = "update_status"
	EventCreateChannel    = "create_channel"
	EventDeleteChannel    = "delete_channel"
	EventCreateTask       = "create_task"
	EventUpdateTask       = "update_task"
	EventDeleteTask       = "delete_task"
	EventUpdateTaskStatus = "update_task_status"
	EventAddTaskComment   = "add_task_comment"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
	EventRequestRefresh   = "request_refresh"
	EventRequestHistory   = "request_history"
)

// Outbound event types (server to client).
const (
	EventHistory          = "history"
	EventChannels         = "channels"
	EventUsers            = "users"
	EventTasks            = "tasks"
	EventMessageUpdated   = "message_updated"
	EventMessageDeleted   = "message_deleted"
	EventChannelCreated   = "channel_created"
	EventChannelDeleted   = "channel_deleted"
	EventTaskCreated      = "task_created"
	EventTaskUpdated      = "task_updated"
	EventTaskDeleted      = "task_deleted"
	EventUserStatusChange = "user_status_change"
	EventRefresh          = "refresh"
	EventError            = "error"
)

// Secondary kinds carried inside a refresh envelope.
const (
	RefreshUserCreated = "user_created"
	RefreshUserUpdated = "user_updated"
	RefreshUserDeleted = "user_deleted"
)

// Error ack codes.
const (
	ErrCodeValidation  = "validation"
	ErrCodeForbidden   = "forbidden"
	ErrCodeNotFound    = "not_found"
	ErrCodePersistence = "persistence"
)

// Envelope is the tagged-union framing every payload travels in, both
// directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload is the explicit per-request denial/failure ack. Ref names the
// inbound event type the error answers.
type ErrorPayload struct {
	Ref     string `json:"ref"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MarshalEvent frames a payload in the {type, payload} envelope.
func MarshalEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// MarshalRefresh wraps a nested {type, payload} inside a refresh envelope.
func MarshalRefresh(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	inner, err := json.Marshal(Envelope{Type: kind, Payload: raw})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: EventRefresh, Payload: inner})
}
