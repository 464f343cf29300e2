package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	return s
}

func TestGetOrCreateConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, conv.Title)
	assert.Equal(t, PermissionModeAsk, conv.PermissionMode)
	assert.Empty(t, conv.ProjectID)

	// Second call returns the existing row, defaults untouched.
	require.NoError(t, s.UpdateConversationTitle(ctx, "c1", "Fixing the build"))
	again, err := s.GetOrCreateConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Fixing the build", again.Title)
}

func TestBindProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetOrCreateConversation(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, s.BindProject(ctx, "c1", "p1", PermissionModeAuto))

	conv, err := s.GetOrCreateConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "p1", conv.ProjectID)
	assert.Equal(t, PermissionModeAuto, conv.PermissionMode)
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: "c1",
		Role:           "assistant",
		Status:         MessageStatusThinking,
	}
	require.NoError(t, s.CreateMessage(ctx, msg))
	require.NoError(t, s.UpdateMessage(ctx, msg.ID, "done", MessageStatusComplete))

	count, err := s.CountMessages(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	count, err = s.CountMessages(ctx, "other")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateProject(ctx, &Project{ID: "p1", Name: "demo"}))
	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "demo", projects[0].Name)
}

func TestProjectFiles_WriteReadList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteFile(ctx, "p1", "src/index.ts", []byte("v1")))
	require.NoError(t, s.WriteFile(ctx, "p1", "docs/readme.md", []byte("# hi")))

	content, err := s.ReadFile(ctx, "p1", "src/index.ts")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	paths, err := s.ListFiles(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/readme.md", "src/index.ts"}, paths)

	// Files are scoped per project.
	paths, err = s.ListFiles(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestProjectFiles_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteFile(ctx, "p1", "src/index.ts", []byte("v1")))
	require.NoError(t, s.WriteFile(ctx, "p1", "src/index.ts", []byte("v2 longer")))

	content, err := s.ReadFile(ctx, "p1", "src/index.ts")
	require.NoError(t, err)
	assert.Equal(t, "v2 longer", string(content))

	paths, err := s.ListFiles(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestReadFile_Missing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ReadFile(context.Background(), "p1", "nope.txt")
	assert.Error(t, err)
}
