package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/huddle-chat/huddle/internal/metrics"
	"github.com/huddle-chat/huddle/internal/models"
	"github.com/huddle-chat/huddle/internal/store"
)

// Inbound payload shapes. Identity fields (sender, creator, actor) are never
// read from these; the session binding is authoritative.

// MessagePayload is the body of an inbound "message" event.
type MessagePayload struct {
	Content     string              `json:"content"`
	ChannelID   string              `json:"channelId,omitempty"`
	DMID        string              `json:"dmId,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// ReactionPayload is the body of an inbound "reaction" event.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// IDPayload carries a bare entity id, inbound (deletes) and outbound
// (deletion notices).
type IDPayload struct {
	ID string `json:"id"`
}

// StatusPayload is the minimal presence delta, both directions.
type StatusPayload struct {
	UserID string `json:"userId,omitempty"`
	Status string `json:"status"`
}

// TaskStatusPayload is the body of an inbound "update_task_status" event.
type TaskStatusPayload struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// TaskCommentPayload is the body of an inbound "add_task_comment" event.
type TaskCommentPayload struct {
	TaskID  string `json:"taskId"`
	Content string `json:"content"`
}

// TypingPayload is the ephemeral typing tuple, both directions.
type TypingPayload struct {
	UserID    string `json:"userId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	DMID      string `json:"dmId,omitempty"`
}

// dispatch routes one inbound frame to its handler. Any handler error is
// answered with an explicit error ack to the requesting connection; nothing
// fails silently.
func (h *Handler) dispatch(c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(c, "", fmt.Errorf("%w: malformed envelope", store.ErrValidation))
		return
	}

	metrics.EventsInbound.WithLabelValues(env.Type).Inc()

	var err error
	switch env.Type {
	case EventMessage:
		err = h.handleMessage(c, env.Payload)
	case EventReaction:
		err = h.handleReaction(c, env.Payload)
	case EventDeleteMessage:
		err = h.handleDeleteMessage(c, env.Payload)
	case EventUpdateStatus:
		err = h.handleUpdateStatus(c, env.Payload)
	case EventCreateChannel:
		err = h.handleCreateChannel(c, env.Payload)
	case EventDeleteChannel:
		err = h.handleDeleteChannel(c, env.Payload)
	case EventCreateTask:
		err = h.handleCreateTask(c, env.Payload)
	case EventUpdateTask:
		err = h.handleUpdateTask(c, env.Payload)
	case EventDeleteTask:
		err = h.handleDeleteTask(c, env.Payload)
	case EventUpdateTaskStatus:
		err = h.handleUpdateTaskStatus(c, env.Payload)
	case EventAddTaskComment:
		err = h.handleAddTaskComment(c, env.Payload)
	case EventTypingStart:
		err = h.handleTyping(c, EventTypingStart, env.Payload)
	case EventTypingStop:
		err = h.handleTyping(c, EventTypingStop, env.Payload)
	case EventRequestRefresh, EventRequestHistory:
		h.pushSnapshot(c)
	default:
		err = fmt.Errorf("%w: unknown event type %q", store.ErrValidation, env.Type)
	}

	if err != nil {
		h.sendError(c, env.Type, err)
	}
}

// sendError answers a failed request with a typed error ack on the same
// connection.
func (h *Handler) sendError(c *Client, ref string, err error) {
	code := ErrCodePersistence
	switch {
	case errors.Is(err, store.ErrValidation), errors.Is(err, store.ErrDuplicate):
		code = ErrCodeValidation
	case errors.Is(err, store.ErrForbidden):
		code = ErrCodeForbidden
	case errors.Is(err, store.ErrNotFound):
		code = ErrCodeNotFound
	default:
		log.Printf("ws: %s from user %s: %v", ref, c.User().ID, err)
	}

	metrics.EventErrors.WithLabelValues(code).Inc()
	h.sendEvent(c, EventError, ErrorPayload{Ref: ref, Code: code, Message: err.Error()})
}

func (h *Handler) handleMessage(c *Client, raw json.RawMessage) error {
	var p MessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: malformed message payload", store.ErrValidation)
	}

	msg, err := h.Store.AppendMessage(models.Message{
		Content:     p.Content,
		SenderID:    c.User().ID,
		ChannelID:   p.ChannelID,
		DMID:        p.DMID,
		Attachments: p.Attachments,
	})
	if err != nil {
		return err
	}

	// Fan-out goes to every session; clients filter by destination. The
	// sender receives its own confirmed copy and upserts over the
	// optimistic one.
	h.broadcastEvent(EventMessage, msg)
	return nil
}

func (h *Handler) handleReaction(c *Client, raw json.RawMessage) error {
	var p ReactionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: malformed reaction payload", store.ErrValidation)
	}

	msg, err := h.Store.ToggleReaction(p.MessageID, p.Emoji, c.User().ID)
	if err != nil {
		return err
	}

	// The whole message goes out, not a diff, so clients overwrite their
	// cached copy by id.
	h.broadcastEvent(EventMessageUpdated, msg)
	return nil
}

func (h *Handler) handleDeleteMessage(c *Client, raw json.RawMessage) error {
	var p struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == "" {
		return fmt.Errorf("%w: messageId is required", store.ErrValidation)
	}

	if err := h.Store.DeleteMessage(p.MessageID, c.User()); err != nil {
		return err
	}

	h.broadcastEvent(EventMessageDeleted, IDPayload{ID: p.MessageID})
	return nil
}

func (h *Handler) handleUpdateStatus(c *Client, raw json.RawMessage) error {
	var p StatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: malformed status payload", store.ErrValidation)
	}

	user, err := h.Store.SetUserStatus(c.User().ID, p.Status)
	if err != nil {
		return err
	}
	c.SetUser(user)

	// Presence is high-frequency; only the minimal delta goes out.
	h.broadcastEvent(EventUserStatusChange, StatusPayload{UserID: user.ID, Status: user.Status})
	return nil
}

func (h *Handler) handleCreateChannel(c *Client, raw json.RawMessage) error {
	var p models.Channel
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: malformed channel payload", store.ErrValidation)
	}

	ch, err := h.Store.CreateChannel(p)
	if err != nil {
		return err
	}

	h.broadcastEvent(EventChannelCreated, ch)
	return nil
}

func (h *Handler) handleDeleteChannel(c *Client, raw json.RawMessage) error {
	var p struct {
		ChannelID string `json:"channelId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.ChannelID == "" {
		return fmt.Errorf("%w: channelId is required", store.ErrValidation)
	}

	// Any member may delete a channel; there is no ownership model for
	// channels.
	if err := h.Store.DeleteChannel(p.ChannelID); err != nil {
		return err
	}

	h.broadcastEvent(EventChannelDeleted, IDPayload{ID: p.ChannelID})
	return nil
}

func (h *Handler) handleCreateTask(c *Client, raw json.RawMessage) error {
	var p models.Task
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: malformed task payload", store.ErrValidation)
	}

	// Task creation is optimistic client-side, so the client-assigned id is
	// kept. The creator comes from the session.
	p.CreatorID = c.User().ID
	task, err := h.Store.CreateTask(p)
	if err != nil {
		return err
	}

	h.broadcastEvent(EventTaskCreated, task)
	return nil
}

func (h *Handler) handleUpdateTask(c *Client, raw json.RawMessage) error {
	var p models.Task
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return fmt.Errorf("%w: malformed task payload", store.ErrValidation)
	}

	task, err := h.Store.ReplaceTask(p)
	if err != nil {
		return err
	}

	h.broadcastEvent(EventTaskUpdated, task)
	return nil
}

func (h *Handler) handleDeleteTask(c *Client, raw json.RawMessage) error {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.TaskID == "" {
		return fmt.Errorf("%w: taskId is required", store.ErrValidation)
	}

	if err := h.Store.DeleteTask(p.TaskID, c.User()); err != nil {
		return err
	}

	h.broadcastEvent(EventTaskDeleted, IDPayload{ID: p.TaskID})
	return nil
}

func (h *Handler) handleUpdateTaskStatus(c *Client, raw json.RawMessage) error {
	var p TaskStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TaskID == "" {
		return fmt.Errorf("%w: taskId is required", store.ErrValidation)
	}

	task, err := h.Store.SetTaskStatus(p.TaskID, p.Status)
	if err != nil {
		return err
	}

	h.broadcastEvent(EventTaskUpdated, task)
	return nil
}

func (h *Handler) handleAddTaskComment(c *Client, raw json.RawMessage) error {
	var p TaskCommentPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TaskID == "" {
		return fmt.Errorf("%w: taskId is required", store.ErrValidation)
	}

	task, err := h.Store.AddTaskComment(p.TaskID, c.User().ID, p.Content)
	if err != nil {
		return err
	}

	// Comments ride a refresh-wrapped task_updated so every client replaces
	// its full cached task.
	data, err := MarshalRefresh(EventTaskUpdated, task)
	if err != nil {
		return err
	}
	h.Hub.Broadcast(data)
	return nil
}

func (h *Handler) handleTyping(c *Client, eventType string, raw json.RawMessage) error {
	var p TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: malformed typing payload", store.ErrValidation)
	}
	if p.ChannelID == "" && p.DMID == "" {
		return fmt.Errorf("%w: a destination is required", store.ErrValidation)
	}

	// Ephemeral: no persistence, and the originator is excluded.
	data, err := MarshalEvent(eventType, TypingPayload{
		UserID:    c.User().ID,
		ChannelID: p.ChannelID,
		DMID:      p.DMID,
	})
	if err != nil {
		return err
	}
	h.Hub.BroadcastExcept(c, data)
	return nil
}
