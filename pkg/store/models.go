package store

import "time"

// Permission modes controlling whether mutating tool calls need interactive
// confirmation.
const (
	PermissionModeAsk  = "ask"
	PermissionModeAuto = "auto"
)

// DefaultTitle is the placeholder title a conversation starts with.
const DefaultTitle = "New conversation"

// Message statuses.
const (
	MessageStatusThinking = "thinking"
	MessageStatusComplete = "complete"
	MessageStatusStopped  = "stopped"
	MessageStatusFailed   = "failed"
)

// Conversation is one chat thread, optionally bound to a project.
type Conversation struct {
	ID             string `gorm:"primaryKey"`
	Title          string
	ProjectID      string
	PermissionMode string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one turn entry in a conversation.
type Message struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"index"`
	Role           string
	Content        string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Project groups files shared across conversations.
type Project struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	CreatedAt time.Time
}

// ProjectFile is one blob in a project, keyed by normalized relative path.
type ProjectFile struct {
	ID        uint   `gorm:"primaryKey"`
	ProjectID string `gorm:"uniqueIndex:idx_project_path"`
	Path      string `gorm:"uniqueIndex:idx_project_path"`
	Content   []byte
	Size      int64
	MimeType  string
	UpdatedAt time.Time
}
