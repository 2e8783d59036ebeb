// Package models defines the domain models shared by the store, the realtime
// layer, the REST surface, and the client reconciler.
package models

import "strings"

// User roles.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

// User presence statuses.
const (
	StatusOnline  = "online"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Task statuses.
const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusDone       = "done"
)

// Task priorities.
const (
	TaskPriorityHigh   = "high"
	TaskPriorityMedium = "medium"
	TaskPriorityLow    = "low"
)

// Channel types. "private" is a label only; membership is not enforced.
const (
	ChannelPublic  = "public"
	ChannelPrivate = "private"
)

// User represents a workspace member.
type User struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password,omitempty"`
	Role            string `json:"role"`
	Status          string `json:"status"`
	NeedsOnboarding bool   `json:"needsOnboarding"`
	Avatar          string `json:"avatar,omitempty"`
	Department      string `json:"department,omitempty"`
	JobTitle        string `json:"jobTitle,omitempty"`
	Phone           string `json:"phone,omitempty"`
}

// Public returns a copy safe to broadcast: the password hash is stripped.
func (u User) Public() User {
	u.Password = ""
	return u
}

// IsAdmin reports whether the user's role is admin, case-insensitively.
func (u User) IsAdmin() bool {
	return strings.EqualFold(u.Role, RoleAdmin)
}

// Channel represents a named many-member conversation topic.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	UnreadCount int    `json:"unreadCount"`
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
	Type string `json:"type,omitempty"`
}

// Reaction holds the set of users who reacted with one emoji.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"userIds"`
}

// Message belongs to exactly one destination: ChannelID xor DMID.
type Message struct {
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	SenderID    string       `json:"senderId"`
	ChannelID   string       `json:"channelId,omitempty"`
	DMID        string       `json:"dmId,omitempty"`
	Timestamp   string       `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Reactions   []Reaction   `json:"reactions,omitempty"`
}

// TaskComment is an append-only comment on a task.
type TaskComment struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// Task represents a board task. CompletedAt is set iff Status is done.
type Task struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      string        `json:"status"`
	Priority    string        `json:"priority"`
	AssigneeIDs []string      `json:"assigneeIds"`
	CreatorID   string        `json:"creatorId,omitempty"`
	DueDate     string        `json:"dueDate,omitempty"`
	Progress    int           `json:"progress"`
	CompletedAt string        `json:"completedAt,omitempty"`
	Comments    []TaskComment `json:"comments,omitempty"`
}

// Document is the persisted state: one JSON document with four arrays.
type Document struct {
	Users    []User    `json:"users"`
	Channels []Channel `json:"channels"`
	Messages []Message `json:"messages"`
	Tasks    []Task    `json:"tasks"`
}

// ValidUserStatus reports whether s is a recognized presence status.
func ValidUserStatus(s string) bool {
	switch s {
	case StatusOnline, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// ValidTaskStatus reports whether s is a recognized task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusDone:
		return true
	}
	return false
}

// NormalizeRole lowercases a role and maps unknown values to staff.
func NormalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleAdmin:
		return RoleAdmin
	case RoleManager:
		return RoleManager
	default:
		return RoleStaff
	}
}
