package history

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, limit int) *SQLiteStore {
	t.Helper()
	db, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), limit)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteRoundTrip(t *testing.T) {
	db := newTestDB(t, 10)
	s := db.Session("sess-abc-1")

	s.Append(NewMessage(RoleUser, "hello"))
	bot := NewMessage(RoleBot, "hi back")
	bot.Extra = &Extra{Card: &Card{Title: "Docs", Body: "Read them"}}
	s.Append(bot)

	msgs := s.Load()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)
	require.NotNil(t, msgs[1].Extra)
	require.NotNil(t, msgs[1].Extra.Card)
	assert.Equal(t, "Docs", msgs[1].Extra.Card.Title)
}

func TestSQLiteSessionsIsolated(t *testing.T) {
	db := newTestDB(t, 10)
	a := db.Session("sess-a-1")
	b := db.Session("sess-b-1")

	a.Append(NewMessage(RoleUser, "only for a"))

	assert.Len(t, a.Load(), 1)
	assert.Empty(t, b.Load())
}

func TestSQLiteCap(t *testing.T) {
	db := newTestDB(t, 3)
	s := db.Session("sess-cap-1")

	for i := 0; i < 6; i++ {
		s.Append(NewMessage(RoleUser, fmt.Sprintf("m%d", i)))
	}

	msgs := s.Load()
	require.Len(t, msgs, 3)
	assert.Equal(t, "m3", msgs[0].Text)
	assert.Equal(t, "m5", msgs[2].Text)
}

func TestSQLiteReplace(t *testing.T) {
	db := newTestDB(t, 10)
	s := db.Session("sess-rep-1")
	s.Append(NewMessage(RoleUser, "local"))

	s.Replace([]Message{
		NewMessage(RoleUser, "server 1"),
		NewMessage(RoleBot, "server 2"),
	})

	msgs := s.Load()
	require.Len(t, msgs, 2)
	assert.Equal(t, "server 1", msgs[0].Text)
	assert.Equal(t, "server 2", msgs[1].Text)
}
