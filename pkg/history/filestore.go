package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/embedkit/embedkit/pkg/logger"
)

// storageVersion namespaces the on-disk keys, mirroring the widget's
// per-version localStorage keys.
const storageVersion = "v1"

// FileStore persists one session's history as a JSON array that is
// rewritten wholesale on every append, the way the widget rewrites its
// localStorage entry. Every disk failure is swallowed: the in-memory copy
// stays authoritative for the process lifetime.
type FileStore struct {
	mu      sync.Mutex
	dir     string
	limit   int
	session string
	msgs    []Message
	warned  bool
}

// NewFileStore opens (or creates) the store rooted at dir. It never fails:
// an unusable directory just means memory-only operation.
func NewFileStore(dir string, limit int) *FileStore {
	s := &FileStore{dir: dir, limit: limit}
	s.session = s.loadOrCreateSession()
	s.msgs = s.loadHistory()
	return s
}

func (s *FileStore) sessionPath() string {
	return filepath.Join(s.dir, "session-"+storageVersion)
}

func (s *FileStore) historyPath() string {
	return filepath.Join(s.dir, "history-"+storageVersion+".json")
}

func (s *FileStore) loadOrCreateSession() string {
	if data, err := os.ReadFile(s.sessionPath()); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	id := NewSessionID()
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		s.warn(err)
		return id
	}
	if err := os.WriteFile(s.sessionPath(), []byte(id+"\n"), 0644); err != nil {
		s.warn(err)
	}
	return id
}

func (s *FileStore) loadHistory() []Message {
	data, err := os.ReadFile(s.historyPath())
	if err != nil {
		return nil
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.warn(err)
		return nil
	}
	return truncate(msgs, s.limit)
}

func (s *FileStore) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *FileStore) Load() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *FileStore) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = truncate(append(s.msgs, msg), s.limit)
	s.persist()
}

func (s *FileStore) Replace(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = truncate(append([]Message(nil), msgs...), s.limit)
	s.persist()
}

// persist rewrites the whole history file. Callers hold s.mu.
func (s *FileStore) persist() {
	data, err := json.Marshal(s.msgs)
	if err != nil {
		s.warn(err)
		return
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		s.warn(err)
		return
	}
	if err := os.WriteFile(s.historyPath(), data, 0644); err != nil {
		s.warn(err)
	}
}

// warn logs the first storage failure, then stays quiet. The widget keeps
// working from memory either way.
func (s *FileStore) warn(err error) {
	if s.warned {
		return
	}
	s.warned = true
	logger.WarnCF("history", "storage unavailable, continuing in memory", map[string]interface{}{
		"dir":   s.dir,
		"error": err.Error(),
	})
}
