// Package store owns the durable workspace document. All state mutation, from
// the realtime layer and the REST surface alike, goes through the methods on
// Store so the write-through-to-disk contract cannot be skipped by a caller.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/huddle-chat/huddle/internal/metrics"
	"github.com/huddle-chat/huddle/internal/models"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrForbidden is returned when the acting user may not perform the mutation.
	ErrForbidden = errors.New("access denied")
	// ErrValidation is returned for missing or malformed input.
	ErrValidation = errors.New("invalid input")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("duplicate entity")
)

// Store is the single owner of the on-disk workspace document. The in-memory
// document is a cache kept identical to disk after every mutation.
type Store struct {
	mu   sync.Mutex
	path string
	doc  models.Document

	lastMessageID int64
}

// Open loads the document at path. A missing or corrupt file yields an empty
// default document rather than an error; the store stays usable and the next
// write establishes the file.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: %w: empty path", ErrValidation)
	}

	s := &Store{path: path}
	s.doc = readDocument(path)
	return s, nil
}

func readDocument(path string) models.Document {
	var doc models.Document

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("store: read %s: %v (starting empty)", path, err)
		}
		return emptyDocument()
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("store: parse %s: %v (starting empty)", path, err)
		return emptyDocument()
	}

	normalizeDocument(&doc)
	return doc
}

func emptyDocument() models.Document {
	return models.Document{
		Users:    []models.User{},
		Channels: []models.Channel{},
		Messages: []models.Message{},
		Tasks:    []models.Task{},
	}
}

func normalizeDocument(doc *models.Document) {
	if doc.Users == nil {
		doc.Users = []models.User{}
	}
	if doc.Channels == nil {
		doc.Channels = []models.Channel{}
	}
	if doc.Messages == nil {
		doc.Messages = []models.Message{}
	}
	if doc.Tasks == nil {
		doc.Tasks = []models.Task{}
	}
	for i := range doc.Tasks {
		normalizeTaskCompletion(&doc.Tasks[i])
	}
}

// persistLocked writes the whole document to a temp file and renames it over
// the target, so a concurrent reader never observes a partial document. On
// write failure the cache is re-read from disk so memory never diverges from
// the last durable state.
func (s *Store) persistLocked() error {
	timer := prometheus.NewTimer(metrics.StoreWriteSeconds)
	defer timer.ObserveDuration()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".huddle-*.json")
	if err != nil {
		s.doc = readDocument(s.path)
		return fmt.Errorf("store: create temp file: %w", err)
	}

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), s.path)
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		s.doc = readDocument(s.path)
		return fmt.Errorf("store: write %s: %w", s.path, werr)
	}
	return nil
}

// reloadLocked refreshes the cache from disk. Handlers that must see the
// freshest state (presence, user CRUD) call through Reload before mutating.
func (s *Store) reloadLocked() {
	s.doc = readDocument(s.path)
}

// Reload re-reads the backing file into the cache.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() models.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDocument(s.doc)
}

func cloneDocument(doc models.Document) models.Document {
	out := models.Document{
		Users:    append([]models.User(nil), doc.Users...),
		Channels: append([]models.Channel(nil), doc.Channels...),
		Messages: make([]models.Message, len(doc.Messages)),
		Tasks:    make([]models.Task, len(doc.Tasks)),
	}
	for i, m := range doc.Messages {
		out.Messages[i] = cloneMessage(m)
	}
	for i, t := range doc.Tasks {
		out.Tasks[i] = cloneTask(t)
	}
	return out
}

func cloneMessage(m models.Message) models.Message {
	m.Attachments = append([]models.Attachment(nil), m.Attachments...)
	reactions := make([]models.Reaction, len(m.Reactions))
	for i, r := range m.Reactions {
		r.UserIDs = append([]string(nil), r.UserIDs...)
		reactions[i] = r
	}
	m.Reactions = reactions
	if len(m.Reactions) == 0 {
		m.Reactions = nil
	}
	return m
}

func cloneTask(t models.Task) models.Task {
	t.AssigneeIDs = append([]string(nil), t.AssigneeIDs...)
	t.Comments = append([]models.TaskComment(nil), t.Comments...)
	return t
}

// nextMessageIDLocked returns a unix-milli id, bumped when two messages land
// within the same millisecond so ids stay unique and order-informative.
func (s *Store) nextMessageIDLocked() string {
	now := time.Now().UnixMilli()
	if now <= s.lastMessageID {
		now = s.lastMessageID + 1
	}
	s.lastMessageID = now
	return strconv.FormatInt(now, 10)
}

// FindUserByEmail resolves a user by email, case-insensitively.
func (s *Store) FindUserByEmail(email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.doc.Users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return models.User{}, fmt.Errorf("store: user %q: %w", email, ErrNotFound)
}

// FindUser resolves a user by id.
func (s *Store) FindUser(id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.doc.Users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, fmt.Errorf("store: user %q: %w", id, ErrNotFound)
}

// CreateUser appends a new user. The id is assigned here; the email must be
// unique case-insensitively.
func (s *Store) CreateUser(user models.User) (models.User, error) {
	if strings.TrimSpace(user.Email) == "" {
		return models.User{}, fmt.Errorf("store: %w: email is required", ErrValidation)
	}
	if strings.TrimSpace(user.Name) == "" {
		return models.User{}, fmt.Errorf("store: %w: name is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	for _, u := range s.doc.Users {
		if strings.EqualFold(u.Email, user.Email) {
			return models.User{}, fmt.Errorf("store: email %q: %w", user.Email, ErrDuplicate)
		}
	}

	user.ID = uuid.NewString()
	user.Role = models.NormalizeRole(user.Role)
	if user.Status == "" {
		user.Status = models.StatusOffline
	}

	s.doc.Users = append(s.doc.Users, user)
	if err := s.persistLocked(); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// UserPatch carries optional field updates for PatchUser.
type UserPatch struct {
	Name            *string
	Email           *string
	Role            *string
	Avatar          *string
	Department      *string
	JobTitle        *string
	Phone           *string
	NeedsOnboarding *bool
}

// PatchUser applies a partial update to the user with the given id.
func (s *Store) PatchUser(id string, patch UserPatch) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	i := indexOfUser(s.doc.Users, id)
	if i < 0 {
		return models.User{}, fmt.Errorf("store: user %q: %w", id, ErrNotFound)
	}

	u := &s.doc.Users[i]
	if patch.Email != nil && !strings.EqualFold(*patch.Email, u.Email) {
		for _, other := range s.doc.Users {
			if other.ID != id && strings.EqualFold(other.Email, *patch.Email) {
				return models.User{}, fmt.Errorf("store: email %q: %w", *patch.Email, ErrDuplicate)
			}
		}
		u.Email = *patch.Email
	}
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.Role != nil {
		u.Role = models.NormalizeRole(*patch.Role)
	}
	if patch.Avatar != nil {
		u.Avatar = *patch.Avatar
	}
	if patch.Department != nil {
		u.Department = *patch.Department
	}
	if patch.JobTitle != nil {
		u.JobTitle = *patch.JobTitle
	}
	if patch.Phone != nil {
		u.Phone = *patch.Phone
	}
	if patch.NeedsOnboarding != nil {
		u.NeedsOnboarding = *patch.NeedsOnboarding
	}

	if err := s.persistLocked(); err != nil {
		return models.User{}, err
	}
	return *u, nil
}

// DeleteUser removes the user with the given id.
func (s *Store) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	i := indexOfUser(s.doc.Users, id)
	if i < 0 {
		return fmt.Errorf("store: user %q: %w", id, ErrNotFound)
	}
	s.doc.Users = append(s.doc.Users[:i], s.doc.Users[i+1:]...)
	return s.persistLocked()
}

// SetUserStatus updates a user's presence. The document is re-read from disk
// first so a stale cache from an earlier handler cannot clobber newer state.
func (s *Store) SetUserStatus(id, status string) (models.User, error) {
	if !models.ValidUserStatus(status) {
		return models.User{}, fmt.Errorf("store: status %q: %w", status, ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	i := indexOfUser(s.doc.Users, id)
	if i < 0 {
		return models.User{}, fmt.Errorf("store: user %q: %w", id, ErrNotFound)
	}
	s.doc.Users[i].Status = status
	if err := s.persistLocked(); err != nil {
		return models.User{}, err
	}
	return s.doc.Users[i], nil
}

// SetUserPassword overwrites the stored credential for the user.
func (s *Store) SetUserPassword(id, hashed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	i := indexOfUser(s.doc.Users, id)
	if i < 0 {
		return fmt.Errorf("store: user %q: %w", id, ErrNotFound)
	}
	s.doc.Users[i].Password = hashed
	return s.persistLocked()
}

func indexOfUser(users []models.User, id string) int {
	for i, u := range users {
		if u.ID == id {
			return i
		}
	}
	return -1
}

// CreateChannel appends a new channel with a server-assigned id.
func (s *Store) CreateChannel(ch models.Channel) (models.Channel, error) {
	if strings.TrimSpace(ch.Name) == "" {
		return models.Channel{}, fmt.Errorf("store: %w: channel name is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch.ID = uuid.NewString()
	if ch.Type != models.ChannelPrivate {
		ch.Type = models.ChannelPublic
	}
	ch.UnreadCount = 0

	s.doc.Channels = append(s.doc.Channels, ch)
	if err := s.persistLocked(); err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

// DeleteChannel removes the channel with the given id. Messages addressed to
// it are kept; clients drop them along with the channel.
func (s *Store) DeleteChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, ch := range s.doc.Channels {
		if ch.ID == id {
			s.doc.Channels = append(s.doc.Channels[:i], s.doc.Channels[i+1:]...)
			return s.persistLocked()
		}
	}
	return fmt.Errorf("store: channel %q: %w", id, ErrNotFound)
}

// AppendMessage assigns the id and timestamp server-side and appends the
// message to history. Exactly one of ChannelID/DMID must be set and the
// content must be non-empty unless an attachment is present.
func (s *Store) AppendMessage(msg models.Message) (models.Message, error) {
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return models.Message{}, fmt.Errorf("store: %w: message content is required", ErrValidation)
	}
	if (msg.ChannelID == "") == (msg.DMID == "") {
		return models.Message{}, fmt.Errorf("store: %w: exactly one of channelId and dmId must be set", ErrValidation)
	}
	if msg.SenderID == "" {
		return models.Message{}, fmt.Errorf("store: %w: sender is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = s.nextMessageIDLocked()
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	msg.Reactions = nil

	s.doc.Messages = append(s.doc.Messages, msg)
	if err := s.persistLocked(); err != nil {
		return models.Message{}, err
	}
	return cloneMessage(msg), nil
}

// ToggleReaction adds userID to the emoji's reacting set, or removes it if
// already present. An emoji entry whose set empties is pruned. The full
// updated message is returned for broadcast.
func (s *Store) ToggleReaction(messageID, emoji, userID string) (models.Message, error) {
	if emoji == "" {
		return models.Message{}, fmt.Errorf("store: %w: emoji is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mi := -1
	for i, m := range s.doc.Messages {
		if m.ID == messageID {
			mi = i
			break
		}
	}
	if mi < 0 {
		return models.Message{}, fmt.Errorf("store: message %q: %w", messageID, ErrNotFound)
	}

	msg := &s.doc.Messages[mi]
	ri := -1
	for i, r := range msg.Reactions {
		if r.Emoji == emoji {
			ri = i
			break
		}
	}

	if ri < 0 {
		msg.Reactions = append(msg.Reactions, models.Reaction{Emoji: emoji, UserIDs: []string{userID}})
	} else {
		r := &msg.Reactions[ri]
		removed := false
		for i, id := range r.UserIDs {
			if id == userID {
				r.UserIDs = append(r.UserIDs[:i], r.UserIDs[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			r.UserIDs = append(r.UserIDs, userID)
		} else if len(r.UserIDs) == 0 {
			msg.Reactions = append(msg.Reactions[:ri], msg.Reactions[ri+1:]...)
		}
	}
	if len(msg.Reactions) == 0 {
		msg.Reactions = nil
	}

	if err := s.persistLocked(); err != nil {
		return models.Message{}, err
	}
	return cloneMessage(*msg), nil
}

// DeleteMessage removes a message. Only the sender or an admin may delete.
func (s *Store) DeleteMessage(messageID string, actor models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.doc.Messages {
		if m.ID != messageID {
			continue
		}
		if m.SenderID != actor.ID && !actor.IsAdmin() {
			return fmt.Errorf("store: delete message %q: %w", messageID, ErrForbidden)
		}
		s.doc.Messages = append(s.doc.Messages[:i], s.doc.Messages[i+1:]...)
		return s.persistLocked()
	}
	return fmt.Errorf("store: message %q: %w", messageID, ErrNotFound)
}

// CreateTask appends a task. Task creation is optimistic on the client, so a
// client-assigned id is accepted; one is generated only when absent.
func (s *Store) CreateTask(task models.Task) (models.Task, error) {
	if strings.TrimSpace(task.Title) == "" {
		return models.Task{}, fmt.Errorf("store: %w: task title is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	for _, t := range s.doc.Tasks {
		if t.ID == task.ID {
			return models.Task{}, fmt.Errorf("store: task %q: %w", task.ID, ErrDuplicate)
		}
	}
	if !models.ValidTaskStatus(task.Status) {
		task.Status = models.TaskStatusTodo
	}
	if task.AssigneeIDs == nil {
		task.AssigneeIDs = []string{}
	}
	normalizeTaskCompletion(&task)

	s.doc.Tasks = append(s.doc.Tasks, task)
	if err := s.persistLocked(); err != nil {
		return models.Task{}, err
	}
	return cloneTask(task), nil
}

// ReplaceTask swaps the stored task matching the incoming id wholesale.
func (s *Store) ReplaceTask(task models.Task) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.doc.Tasks {
		if t.ID != task.ID {
			continue
		}
		if !models.ValidTaskStatus(task.Status) {
			task.Status = t.Status
		}
		normalizeTaskCompletion(&task)
		s.doc.Tasks[i] = task
		if err := s.persistLocked(); err != nil {
			return models.Task{}, err
		}
		return cloneTask(task), nil
	}
	return models.Task{}, fmt.Errorf("store: task %q: %w", task.ID, ErrNotFound)
}

// SetTaskStatus is the narrow status-only update. Transitioning to done
// stamps CompletedAt; any other status clears it.
func (s *Store) SetTaskStatus(taskID, status string) (models.Task, error) {
	if !models.ValidTaskStatus(status) {
		return models.Task{}, fmt.Errorf("store: task status %q: %w", status, ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].ID != taskID {
			continue
		}
		s.doc.Tasks[i].Status = status
		normalizeTaskCompletion(&s.doc.Tasks[i])
		if err := s.persistLocked(); err != nil {
			return models.Task{}, err
		}
		return cloneTask(s.doc.Tasks[i]), nil
	}
	return models.Task{}, fmt.Errorf("store: task %q: %w", taskID, ErrNotFound)
}

// DeleteTask removes a task. The creator or an admin may delete; a task with
// no creator is legacy data and deletable by anyone.
func (s *Store) DeleteTask(taskID string, actor models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.doc.Tasks {
		if t.ID != taskID {
			continue
		}
		if t.CreatorID != "" && t.CreatorID != actor.ID && !actor.IsAdmin() {
			return fmt.Errorf("store: delete task %q: %w", taskID, ErrForbidden)
		}
		s.doc.Tasks = append(s.doc.Tasks[:i], s.doc.Tasks[i+1:]...)
		return s.persistLocked()
	}
	return fmt.Errorf("store: task %q: %w", taskID, ErrNotFound)
}

// AddTaskComment appends a comment with a server-assigned id and timestamp
// and returns the full updated task.
func (s *Store) AddTaskComment(taskID, userID, content string) (models.Task, error) {
	if strings.TrimSpace(content) == "" {
		return models.Task{}, fmt.Errorf("store: %w: comment content is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].ID != taskID {
			continue
		}
		comment := models.TaskComment{
			ID:        uuid.NewString(),
			UserID:    userID,
			Content:   content,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		s.doc.Tasks[i].Comments = append(s.doc.Tasks[i].Comments, comment)
		if err := s.persistLocked(); err != nil {
			return models.Task{}, err
		}
		return cloneTask(s.doc.Tasks[i]), nil
	}
	return models.Task{}, fmt.Errorf("store: task %q: %w", taskID, ErrNotFound)
}

func normalizeTaskCompletion(t *models.Task) {
	if t.Status == models.TaskStatusDone {
		if t.CompletedAt == "" {
			t.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		}
	} else {
		t.CompletedAt = ""
	}
}
