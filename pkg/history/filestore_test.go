package history

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIDShape(t *testing.T) {
	id := NewSessionID()
	assert.True(t, strings.HasPrefix(id, "sess-"))
	assert.Equal(t, 3, strings.Count(id, "-"), "sess-<random>-<timestamp>: %s", id)
	assert.NotEqual(t, id, NewSessionID())
}

func TestFileStoreSessionStableAcrossReloads(t *testing.T) {
	dir := t.TempDir()
	first := NewFileStore(dir, 10)
	second := NewFileStore(dir, 10)
	assert.Equal(t, first.SessionID(), second.SessionID())
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, 10)
	s.Append(NewMessage(RoleUser, "hello"))

	bot := NewMessage(RoleBot, "pick one")
	bot.Extra = &Extra{Buttons: []Button{{Label: "A", Payload: "a"}}}
	s.Append(bot)

	reloaded := NewFileStore(dir, 10)
	msgs := reloaded.Load()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, RoleUser, msgs[0].Role)
	require.NotNil(t, msgs[1].Extra)
	assert.Equal(t, "A", msgs[1].Extra.Buttons[0].Label)
}

func TestFileStoreCapKeepsMostRecentInOrder(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, DefaultLimit)

	for i := 0; i < DefaultLimit+5; i++ {
		s.Append(NewMessage(RoleUser, fmt.Sprintf("m%d", i)))
	}

	msgs := s.Load()
	require.Len(t, msgs, DefaultLimit)
	assert.Equal(t, "m5", msgs[0].Text, "oldest entries are dropped first")
	assert.Equal(t, fmt.Sprintf("m%d", DefaultLimit+4), msgs[len(msgs)-1].Text)

	// The persisted copy honors the same cap.
	reloaded := NewFileStore(dir, DefaultLimit)
	assert.Len(t, reloaded.Load(), DefaultLimit)
}

func TestFileStoreReplace(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, 10)
	s.Append(NewMessage(RoleUser, "local"))

	server := []Message{
		NewMessage(RoleUser, "from server 1"),
		NewMessage(RoleBot, "from server 2"),
	}
	s.Replace(server)

	msgs := s.Load()
	require.Len(t, msgs, 2)
	assert.Equal(t, "from server 1", msgs[0].Text)
}

func TestFileStoreSurvivesUnwritableDir(t *testing.T) {
	// A path below a regular file can never be created, so every write
	// fails the way a full or sealed localStorage would.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	s := NewFileStore(filepath.Join(blocker, "nested"), 10)
	s.Append(NewMessage(RoleUser, "kept in memory"))
	s.Append(NewMessage(RoleBot, "also kept"))

	msgs := s.Load()
	require.Len(t, msgs, 2)
	assert.Equal(t, "kept in memory", msgs[0].Text)
	assert.NotEmpty(t, s.SessionID())
}

func TestMemoryStoreCap(t *testing.T) {
	s := NewMemoryStore(3)
	for i := 0; i < 5; i++ {
		s.Append(NewMessage(RoleUser, fmt.Sprintf("m%d", i)))
	}
	msgs := s.Load()
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Text)
	assert.Equal(t, "m4", msgs[2].Text)
}
