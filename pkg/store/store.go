// Package store persists conversations, messages, projects, and project file
// blobs behind interfaces the core components consume.
package store

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Config selects the database backend.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// DSN is the connection string; for sqlite, a file path.
	DSN string
}

// Store is the gorm-backed persistence layer.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "agentrun.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}, &Project{}, &ProjectFile{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// --- conversations ---

// GetOrCreateConversation fetches a conversation, creating it with the
// default title and permission mode on first reference.
func (s *Store) GetOrCreateConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := Conversation{
		ID:             id,
		Title:          DefaultTitle,
		PermissionMode: PermissionModeAsk,
	}
	err := s.db.WithContext(ctx).
		Where(Conversation{ID: id}).
		Attrs(conv).
		FirstOrCreate(&conv).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &conv, nil
}

// UpdateConversationTitle sets the conversation title.
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	return s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).Update("title", title).Error
}

// BindProject records the conversation's project binding and permission mode.
func (s *Store) BindProject(ctx context.Context, conversationID, projectID, permissionMode string) error {
	return s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{
			"project_id":      projectID,
			"permission_mode": permissionMode,
		}).Error
}

// --- messages ---

// CreateMessage inserts a message.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

// UpdateMessage replaces a message's content and status.
func (s *Store) UpdateMessage(ctx context.Context, id, content, status string) error {
	return s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"content": content, "status": status}).Error
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ?", conversationID).Count(&count).Error
	return count, err
}

// --- projects ---

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	p.CreatedAt = time.Now()
	return s.db.WithContext(ctx).Create(p).Error
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := s.db.WithContext(ctx).Order("created_at desc").Find(&projects).Error
	return projects, err
}

// --- project files (sandbox.FileStore) ---

// ListFiles returns every file path in a project.
func (s *Store) ListFiles(ctx context.Context, projectID string) ([]string, error) {
	var paths []string
	err := s.db.WithContext(ctx).Model(&ProjectFile{}).
		Where("project_id = ?", projectID).
		Order("path").
		Pluck("path", &paths).Error
	return paths, err
}

// ReadFile returns a file's content.
func (s *Store) ReadFile(ctx context.Context, projectID, path string) ([]byte, error) {
	var file ProjectFile
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND path = ?", projectID, path).
		First(&file).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read project file %q: %w", path, err)
	}
	return file.Content, nil
}

// WriteFile upserts a file blob keyed by project id and path.
func (s *Store) WriteFile(ctx context.Context, projectID, path string, content []byte) error {
	file := ProjectFile{
		ProjectID: projectID,
		Path:      path,
		Content:   content,
		Size:      int64(len(content)),
		MimeType:  detectMimeType(path),
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "size", "mime_type", "updated_at"}),
	}).Create(&file).Error
}

func detectMimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
