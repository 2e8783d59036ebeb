package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddle-chat/huddle/internal/models"
	"github.com/huddle-chat/huddle/internal/ws"
)

func env(t *testing.T, eventType string, payload any) ws.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return ws.Envelope{Type: eventType, Payload: raw}
}

func refreshEnv(t *testing.T, kind string, payload any) ws.Envelope {
	t.Helper()
	data, err := ws.MarshalRefresh(kind, payload)
	require.NoError(t, err)
	var outer ws.Envelope
	require.NoError(t, json.Unmarshal(data, &outer))
	return outer
}

func TestMessageRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	msg := models.Message{ID: "m1", Content: "hi", SenderID: "other", ChannelID: "c1"}

	s.Apply(env(t, ws.EventMessage, msg))
	s.Apply(env(t, ws.EventMessage, msg))

	assert.Len(t, s.Messages, 1)
}

func TestHistoryReplayNeverDuplicates(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	history := []models.Message{
		{ID: "m1", Content: "one", SenderID: "a", ChannelID: "c1"},
		{ID: "m2", Content: "two", SenderID: "b", ChannelID: "c1"},
	}

	s.Apply(env(t, ws.EventHistory, history))
	s.Apply(env(t, ws.EventHistory, history))
	require.Len(t, s.Messages, 2)

	// The authoritative copy wins over a locally-held one with the same id.
	s.Messages[0].Content = "stale local edit"
	s.Apply(env(t, ws.EventHistory, history))
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "one", s.Messages[0].Content)
}

func TestUnreadAccounting(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventChannels, []models.Channel{{ID: "c1", Name: "one"}, {ID: "c2", Name: "two"}}))
	s.SetActiveChannel("c1")

	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m1", Content: "ping", SenderID: "other", ChannelID: "c2"}))

	assert.Equal(t, 0, s.Channels[0].UnreadCount, "focused channel stays clean")
	assert.Equal(t, 1, s.Channels[1].UnreadCount, "unfocused destination gains exactly one")
	require.Len(t, s.Notifications, 1)
	assert.Equal(t, NotifyMessage, s.Notifications[0].Kind)

	// Messages for the focused channel or from the current user never count.
	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m2", Content: "here", SenderID: "other", ChannelID: "c1"}))
	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m3", Content: "mine", SenderID: "me", ChannelID: "c2"}))
	assert.Equal(t, 0, s.Channels[0].UnreadCount)
	assert.Equal(t, 1, s.Channels[1].UnreadCount)
}

func TestUnreadCountsSurviveChannelSnapshot(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventChannels, []models.Channel{{ID: "c1", Name: "one"}}))
	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m1", Content: "x", SenderID: "other", ChannelID: "c1"}))
	require.Equal(t, 1, s.Channels[0].UnreadCount)

	// A refreshed snapshot must not wipe client-local unread counters.
	s.Apply(env(t, ws.EventChannels, []models.Channel{{ID: "c1", Name: "one renamed"}}))
	assert.Equal(t, 1, s.Channels[0].UnreadCount)
	assert.Equal(t, "one renamed", s.Channels[0].Name)
}

func TestDMSynthesizedFromSender(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventUsers, []models.User{
		{ID: "me", Name: "Me"},
		{ID: "alice", Name: "Alice", Status: models.StatusOnline},
	}))

	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m1", Content: "hey", SenderID: "alice", DMID: "me"}))

	require.Len(t, s.DMs, 1)
	assert.Equal(t, "alice", s.DMs[0].ID)
	assert.Equal(t, "Alice", s.DMs[0].User.Name)
	assert.Equal(t, 1, s.DMs[0].UnreadCount)

	// Focusing the conversation clears the counter.
	s.SetActiveDM("alice")
	assert.Equal(t, 0, s.DMs[0].UnreadCount)

	// Further messages while focused do not count.
	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m2", Content: "again", SenderID: "alice", DMID: "me"}))
	assert.Equal(t, 0, s.DMs[0].UnreadCount)
}

func TestDMBetweenOthersIsIgnored(t *testing.T) {
	t.Parallel()

	s := NewState("carol")
	s.Apply(env(t, ws.EventUsers, []models.User{
		{ID: "carol", Name: "Carol"},
		{ID: "alice", Name: "Alice"},
		{ID: "bob", Name: "Bob"},
	}))

	// The server fans every message out to every session; alice's DM to bob
	// is not carol's conversation.
	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m1", Content: "secret", SenderID: "alice", DMID: "bob"}))

	assert.Empty(t, s.Messages)
	assert.Empty(t, s.DMs)
	assert.Empty(t, s.Notifications)
	assert.Empty(t, s.MessagesFor("", "alice"))

	// The same message arriving via a history snapshot stays out of display
	// too.
	s.Apply(env(t, ws.EventHistory, []models.Message{
		{ID: "m1", Content: "secret", SenderID: "alice", DMID: "bob"},
		{ID: "m2", Content: "for me", SenderID: "alice", DMID: "carol"},
	}))
	assert.Empty(t, s.MessagesFor("", "bob"))
	dm := s.MessagesFor("", "alice")
	require.Len(t, dm, 1)
	assert.Equal(t, "m2", dm[0].ID)
}

func TestOptimisticTaskReconciledByUpsert(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.AddLocalTask(models.Task{ID: "local-1", Title: "draft", Status: models.TaskStatusTodo})
	require.Len(t, s.Tasks, 1)

	// The server's confirmation carries the same id and replaces, never
	// duplicates.
	s.Apply(env(t, ws.EventTaskCreated, models.Task{ID: "local-1", Title: "draft", Status: models.TaskStatusTodo, CreatorID: "me"}))
	require.Len(t, s.Tasks, 1)
	assert.Equal(t, "me", s.Tasks[0].CreatorID)
}

func TestTaskStatusTransitionNotifies(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventTaskCreated, models.Task{ID: "t1", Title: "ship", Status: models.TaskStatusTodo}))
	require.Empty(t, s.Notifications)

	s.Apply(env(t, ws.EventTaskUpdated, models.Task{ID: "t1", Title: "ship", Status: models.TaskStatusDone}))
	require.Len(t, s.Notifications, 1)
	assert.Equal(t, NotifyTaskStatus, s.Notifications[0].Kind)

	// Same status again: no new notification.
	s.Apply(env(t, ws.EventTaskUpdated, models.Task{ID: "t1", Title: "ship", Status: models.TaskStatusDone}))
	assert.Len(t, s.Notifications, 1)
}

func TestTaskDeletedClearsSelection(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventTaskCreated, models.Task{ID: "t1", Title: "ship"}))
	s.SelectedTaskID = "t1"

	s.Apply(env(t, ws.EventTaskDeleted, ws.IDPayload{ID: "t1"}))
	assert.Empty(t, s.Tasks)
	assert.Empty(t, s.SelectedTaskID)
}

func TestPresenceMirroredIntoDMs(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventUsers, []models.User{{ID: "alice", Name: "Alice", Status: models.StatusOffline}}))
	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m1", Content: "hi", SenderID: "alice", DMID: "me"}))

	s.Apply(env(t, ws.EventUserStatusChange, ws.StatusPayload{UserID: "alice", Status: models.StatusOnline}))

	assert.Equal(t, models.StatusOnline, s.Users[0].Status)
	require.Len(t, s.DMs, 1)
	assert.Equal(t, models.StatusOnline, s.DMs[0].User.Status)
}

func TestTypingSetsAddAndRemoveByDestination(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventTypingStart, ws.TypingPayload{UserID: "alice", ChannelID: "c1"}))
	s.Apply(env(t, ws.EventTypingStart, ws.TypingPayload{UserID: "bob", ChannelID: "c1"}))
	s.Apply(env(t, ws.EventTypingStart, ws.TypingPayload{UserID: "alice", DMID: "me"}))

	assert.Len(t, s.Typing["channel:c1"], 2)
	assert.Len(t, s.Typing["dm:me"], 1)

	s.Apply(env(t, ws.EventTypingStop, ws.TypingPayload{UserID: "alice", ChannelID: "c1"}))
	assert.Len(t, s.Typing["channel:c1"], 1)

	s.Apply(env(t, ws.EventTypingStop, ws.TypingPayload{UserID: "bob", ChannelID: "c1"}))
	_, ok := s.Typing["channel:c1"]
	assert.False(t, ok, "empty typing sets are pruned")
}

func TestMessageDeletedRemovesById(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m1", Content: "hi", SenderID: "me", ChannelID: "c1"}))
	s.Apply(env(t, ws.EventMessageDeleted, ws.IDPayload{ID: "m1"}))
	assert.Empty(t, s.Messages)
}

func TestMessageUpdatedOverwritesCachedCopy(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m1", Content: "hi", SenderID: "me", ChannelID: "c1"}))

	updated := models.Message{
		ID: "m1", Content: "hi", SenderID: "me", ChannelID: "c1",
		Reactions: []models.Reaction{{Emoji: "👍", UserIDs: []string{"alice"}}},
	}
	s.Apply(env(t, ws.EventMessageUpdated, updated))

	require.Len(t, s.Messages, 1)
	require.Len(t, s.Messages[0].Reactions, 1)
}

func TestRefreshEnvelopeRoutesInnerEvent(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventTaskCreated, models.Task{ID: "t1", Title: "ship", Status: models.TaskStatusTodo}))

	task := models.Task{
		ID: "t1", Title: "ship", Status: models.TaskStatusTodo,
		Comments: []models.TaskComment{{ID: "c1", UserID: "alice", Content: "note"}},
	}
	s.Apply(refreshEnv(t, ws.EventTaskUpdated, task))

	require.Len(t, s.Tasks, 1)
	require.Len(t, s.Tasks[0].Comments, 1)

	s.Apply(refreshEnv(t, ws.RefreshUserCreated, models.User{ID: "bob", Name: "Bob"}))
	require.Len(t, s.Users, 1)

	s.Apply(refreshEnv(t, ws.RefreshUserDeleted, ws.IDPayload{ID: "bob"}))
	assert.Empty(t, s.Users)
}

func TestChannelDeletedDropsItsMessages(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventChannels, []models.Channel{{ID: "c1"}, {ID: "c2"}}))
	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m1", Content: "a", SenderID: "me", ChannelID: "c1"}))
	s.Apply(env(t, ws.EventMessage, models.Message{ID: "m2", Content: "b", SenderID: "me", ChannelID: "c2"}))

	s.Apply(env(t, ws.EventChannelDeleted, ws.IDPayload{ID: "c1"}))

	require.Len(t, s.Channels, 1)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "m2", s.Messages[0].ID)
}

func TestMessagesForFiltersByDestination(t *testing.T) {
	t.Parallel()

	s := NewState("me")
	s.Apply(env(t, ws.EventHistory, []models.Message{
		{ID: "m1", SenderID: "me", ChannelID: "c1"},
		{ID: "m2", SenderID: "alice", ChannelID: "c2"},
		{ID: "m3", SenderID: "alice", DMID: "me"},
		{ID: "m4", SenderID: "me", DMID: "alice"},
	}))

	c1 := s.MessagesFor("c1", "")
	require.Len(t, c1, 1)
	assert.Equal(t, "m1", c1[0].ID)

	// Both directions of the alice conversation resolve to the same DM.
	dm := s.MessagesFor("", "alice")
	require.Len(t, dm, 2)
}
