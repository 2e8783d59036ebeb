// Package client implements the client-side state reconciler and its
// auto-reconnecting transport. The reference consumer is a UI, but the same
// reconciler serves bots and integration tests: it merges the server's event
// stream into local state and folds optimistic local writes into confirmed
// server state by id.
package client

import (
	"encoding/json"

	"github.com/huddle-chat/huddle/internal/models"
	"github.com/huddle-chat/huddle/internal/ws"
)

// DM is a derived two-party conversation, identified by the counterparty's
// user id. It is never persisted server-side.
type DM struct {
	ID          string      `json:"id"`
	User        models.User `json:"user"`
	UnreadCount int         `json:"unreadCount"`
}

// Notification is a transient overlay surfaced to the UI.
type Notification struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Notification kinds.
const (
	NotifyMessage    = "message"
	NotifyTaskStatus = "task_status"
	NotifyError      = "error"
)

// State holds the reconciler's view of the workspace plus transient UI
// selection and overlay state.
type State struct {
	CurrentUserID string

	Users    []models.User
	Channels []models.Channel
	DMs      []DM
	Messages []models.Message
	Tasks    []models.Task

	ActiveChannelID      string
	ActiveDMID           string
	SelectedTaskID       string
	HighlightedMessageID string

	// Typing maps a destination key to the set of currently typing users.
	Typing map[string]map[string]bool

	Notifications []Notification
}

// NewState builds an empty state for the authenticated user.
func NewState(currentUserID string) *State {
	return &State{
		CurrentUserID: currentUserID,
		Typing:        make(map[string]map[string]bool),
	}
}

// destKey builds the typing/unread key for a destination.
func destKey(channelID, dmID string) string {
	if channelID != "" {
		return "channel:" + channelID
	}
	return "dm:" + dmID
}

// Apply merges one inbound event into the state. It is a pure reducer over
// the event stream: idempotent for re-delivered messages and replayed
// history, last-write-wins by id for upserts.
func (s *State) Apply(env ws.Envelope) {
	switch env.Type {
	case ws.EventMessage:
		var msg models.Message
		if json.Unmarshal(env.Payload, &msg) == nil {
			s.applyMessage(msg)
		}
	case ws.EventHistory:
		var history []models.Message
		if json.Unmarshal(env.Payload, &history) == nil {
			s.applyHistory(history)
		}
	case ws.EventChannels:
		var channels []models.Channel
		if json.Unmarshal(env.Payload, &channels) == nil {
			s.applyChannels(channels)
		}
	case ws.EventUsers:
		var users []models.User
		if json.Unmarshal(env.Payload, &users) == nil {
			s.applyUsers(users)
		}
	case ws.EventTasks:
		var tasks []models.Task
		if json.Unmarshal(env.Payload, &tasks) == nil {
			s.Tasks = tasks
		}
	case ws.EventMessageUpdated:
		var msg models.Message
		if json.Unmarshal(env.Payload, &msg) == nil {
			s.upsertMessage(msg)
		}
	case ws.EventMessageDeleted:
		var p ws.IDPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.removeMessage(p.ID)
		}
	case ws.EventChannelCreated:
		var ch models.Channel
		if json.Unmarshal(env.Payload, &ch) == nil {
			s.upsertChannel(ch)
		}
	case ws.EventChannelDeleted:
		var p ws.IDPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.removeChannel(p.ID)
		}
	case ws.EventTaskCreated, ws.EventTaskUpdated:
		var task models.Task
		if json.Unmarshal(env.Payload, &task) == nil {
			s.upsertTask(task)
		}
	case ws.EventTaskDeleted:
		var p ws.IDPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.removeTask(p.ID)
		}
	case ws.EventUserStatusChange:
		var p ws.StatusPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.applyStatus(p)
		}
	case ws.EventTypingStart:
		var p ws.TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.setTyping(p, true)
		}
	case ws.EventTypingStop:
		var p ws.TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.setTyping(p, false)
		}
	case ws.EventRefresh:
		var inner ws.Envelope
		if json.Unmarshal(env.Payload, &inner) == nil {
			s.applyRefresh(inner)
		}
	case ws.EventError:
		var p ws.ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.Notifications = append(s.Notifications, Notification{Kind: NotifyError, Text: p.Message})
		}
	}
}

// applyRefresh handles the secondary update kinds wrapped in a refresh
// envelope.
func (s *State) applyRefresh(inner ws.Envelope) {
	switch inner.Type {
	case ws.EventTaskUpdated:
		var task models.Task
		if json.Unmarshal(inner.Payload, &task) == nil {
			s.upsertTask(task)
		}
	case ws.RefreshUserCreated, ws.RefreshUserUpdated:
		var user models.User
		if json.Unmarshal(inner.Payload, &user) == nil {
			s.upsertUser(user)
		}
	case ws.RefreshUserDeleted:
		var p ws.IDPayload
		if json.Unmarshal(inner.Payload, &p) == nil {
			s.removeUser(p.ID)
		}
	}
}

// applyMessage appends a new inbound message. Re-delivery of an id already
// held is dropped; an unfocused destination gains an unread increment and a
// transient notification; an unknown DM conversation is synthesized from the
// sender's user record.
func (s *State) applyMessage(msg models.Message) {
	// Every session receives every broadcast; a DM between two other users is
	// not ours to hold.
	if msg.DMID != "" && !s.dmInvolvesSelf(msg) {
		return
	}
	for i, m := range s.Messages {
		if m.ID == msg.ID {
			s.Messages[i] = msg
			return
		}
	}
	s.Messages = append(s.Messages, msg)

	if msg.SenderID == s.CurrentUserID {
		return
	}

	if msg.ChannelID != "" {
		if msg.ChannelID == s.ActiveChannelID {
			return
		}
		for i := range s.Channels {
			if s.Channels[i].ID == msg.ChannelID {
				s.Channels[i].UnreadCount++
				break
			}
		}
		s.Notifications = append(s.Notifications, Notification{Kind: NotifyMessage, Text: msg.Content})
		return
	}

	// For the recipient, a DM conversation is identified by the sender.
	convID := s.dmConversationID(msg)
	if convID == s.ActiveDMID {
		return
	}

	di := -1
	for i, dm := range s.DMs {
		if dm.ID == convID {
			di = i
			break
		}
	}
	if di < 0 {
		dm := DM{ID: convID}
		for _, u := range s.Users {
			if u.ID == convID {
				dm.User = u
				break
			}
		}
		s.DMs = append(s.DMs, dm)
		di = len(s.DMs) - 1
	}
	s.DMs[di].UnreadCount++
	s.Notifications = append(s.Notifications, Notification{Kind: NotifyMessage, Text: msg.Content})
}

// dmConversationID resolves which DM conversation a message belongs to from
// this client's perspective.
func (s *State) dmConversationID(msg models.Message) string {
	if msg.SenderID != s.CurrentUserID {
		return msg.SenderID
	}
	return msg.DMID
}

// dmInvolvesSelf reports whether this client is a party to a DM message,
// either as its sender or its recipient.
func (s *State) dmInvolvesSelf(msg models.Message) bool {
	return msg.SenderID == s.CurrentUserID || msg.DMID == s.CurrentUserID
}

// applyHistory replaces locally-held copies of any message in the incoming
// batch, then appends the batch, so a re-fetched history never duplicates and
// always prefers the authoritative copy.
func (s *State) applyHistory(history []models.Message) {
	incoming := make(map[string]bool, len(history))
	for _, m := range history {
		incoming[m.ID] = true
	}

	kept := s.Messages[:0]
	for _, m := range s.Messages {
		if !incoming[m.ID] {
			kept = append(kept, m)
		}
	}
	s.Messages = append(kept, history...)
}

func (s *State) applyChannels(channels []models.Channel) {
	// Snapshot replace, preserving client-local unread counters.
	unread := make(map[string]int, len(s.Channels))
	for _, ch := range s.Channels {
		unread[ch.ID] = ch.UnreadCount
	}
	for i := range channels {
		channels[i].UnreadCount = unread[channels[i].ID]
	}
	s.Channels = channels
}

func (s *State) applyUsers(users []models.User) {
	s.Users = users
	s.syncDMUsers()
}

func (s *State) upsertMessage(msg models.Message) {
	for i, m := range s.Messages {
		if m.ID == msg.ID {
			s.Messages[i] = msg
			return
		}
	}
	s.Messages = append(s.Messages, msg)
}

func (s *State) removeMessage(id string) {
	for i, m := range s.Messages {
		if m.ID == id {
			s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
			return
		}
	}
}

func (s *State) upsertChannel(ch models.Channel) {
	for i, existing := range s.Channels {
		if existing.ID == ch.ID {
			ch.UnreadCount = existing.UnreadCount
			s.Channels[i] = ch
			return
		}
	}
	s.Channels = append(s.Channels, ch)
}

func (s *State) removeChannel(id string) {
	for i, ch := range s.Channels {
		if ch.ID == id {
			s.Channels = append(s.Channels[:i], s.Channels[i+1:]...)
			break
		}
	}
	if s.ActiveChannelID == id {
		s.ActiveChannelID = ""
	}
	kept := s.Messages[:0]
	for _, m := range s.Messages {
		if m.ChannelID != id {
			kept = append(kept, m)
		}
	}
	s.Messages = kept
}

// upsertTask replaces a held task by id or inserts it. A same-id upsert over
// an optimistic local insert is the reconciliation path, not duplication. A
// status change relative to the previously-held copy raises a notification.
func (s *State) upsertTask(task models.Task) {
	for i, t := range s.Tasks {
		if t.ID == task.ID {
			if t.Status != task.Status {
				s.Notifications = append(s.Notifications, Notification{
					Kind: NotifyTaskStatus,
					Text: task.Title + " is now " + task.Status,
				})
			}
			s.Tasks[i] = task
			return
		}
	}
	s.Tasks = append(s.Tasks, task)
}

func (s *State) removeTask(id string) {
	for i, t := range s.Tasks {
		if t.ID == id {
			s.Tasks = append(s.Tasks[:i], s.Tasks[i+1:]...)
			break
		}
	}
	if s.SelectedTaskID == id {
		s.SelectedTaskID = ""
	}
}

func (s *State) upsertUser(user models.User) {
	for i, u := range s.Users {
		if u.ID == user.ID {
			s.Users[i] = user
			s.syncDMUsers()
			return
		}
	}
	s.Users = append(s.Users, user)
}

func (s *State) removeUser(id string) {
	for i, u := range s.Users {
		if u.ID == id {
			s.Users = append(s.Users[:i], s.Users[i+1:]...)
			break
		}
	}
	for i, dm := range s.DMs {
		if dm.ID == id {
			s.DMs = append(s.DMs[:i], s.DMs[i+1:]...)
			break
		}
	}
}

// applyStatus updates the user's status in place and mirrors it into any DM
// entry wrapping that user.
func (s *State) applyStatus(p ws.StatusPayload) {
	for i := range s.Users {
		if s.Users[i].ID == p.UserID {
			s.Users[i].Status = p.Status
			break
		}
	}
	for i := range s.DMs {
		if s.DMs[i].ID == p.UserID {
			s.DMs[i].User.Status = p.Status
			break
		}
	}
}

func (s *State) syncDMUsers() {
	for i := range s.DMs {
		for _, u := range s.Users {
			if u.ID == s.DMs[i].ID {
				s.DMs[i].User = u
				break
			}
		}
	}
}

func (s *State) setTyping(p ws.TypingPayload, typing bool) {
	key := destKey(p.ChannelID, p.DMID)
	set := s.Typing[key]
	if typing {
		if set == nil {
			set = make(map[string]bool)
			s.Typing[key] = set
		}
		set[p.UserID] = true
		return
	}
	if set != nil {
		delete(set, p.UserID)
		if len(set) == 0 {
			delete(s.Typing, key)
		}
	}
}

// SetActiveChannel focuses a channel and clears its unread counter.
func (s *State) SetActiveChannel(id string) {
	s.ActiveChannelID = id
	s.ActiveDMID = ""
	for i := range s.Channels {
		if s.Channels[i].ID == id {
			s.Channels[i].UnreadCount = 0
			break
		}
	}
}

// SetActiveDM focuses a DM conversation and clears its unread counter.
func (s *State) SetActiveDM(id string) {
	s.ActiveDMID = id
	s.ActiveChannelID = ""
	for i := range s.DMs {
		if s.DMs[i].ID == id {
			s.DMs[i].UnreadCount = 0
			break
		}
	}
}

// AddLocalTask inserts an optimistic, client-assigned task for instant UI
// feedback. The server's task_created broadcast later upserts over it by id.
func (s *State) AddLocalTask(task models.Task) {
	s.upsertTask(task)
}

// MessagesFor filters history down to one destination for display.
func (s *State) MessagesFor(channelID, dmID string) []models.Message {
	var out []models.Message
	for _, m := range s.Messages {
		switch {
		case channelID != "" && m.ChannelID == channelID:
			out = append(out, m)
		case dmID != "" && m.DMID != "" && s.dmInvolvesSelf(m) && s.dmConversationID(m) == dmID:
			out = append(out, m)
		}
	}
	return out
}
